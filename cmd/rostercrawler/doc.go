// rostercrawler crawls team-season roster pages and the player profiles they
// link to, then writes one consolidated workbook.
//
// Architecture overview:
//   - Driver: walks the team×season task space in order, fetching and parsing
//     each roster page, writing its artifact, then recording it in the
//     completion ledger. Player links are queued for the worker pool.
//   - Workers: a fixed pool drains the player queue, fetching each profile at
//     most once per run with bounded back-off, and records the result in the
//     fact cache, which flushes to durable state every N puts or T seconds.
//   - Finalize: every ledgered artifact is backfilled from the fact cache and
//     exported as one sheet per team season.
//
// Runs are resumable: ledgered tasks are never fetched again and resolved
// players are never fetched again, so re-running after a crash or SIGINT only
// does the remaining work.
//
// Commands:
//   - run: crawl, then finalize.
//   - report: finalize from existing state without fetching.
//   - status: print ledger and fact counts.
//   - invalidate: forget resolved facts for the given player ids.
//
// Configuration comes from an optional file (--config) and ROSTER_* environment
// variables, for example ROSTER_WORKERS_COUNT=16 or ROSTER_STATE_BACKEND=postgres.
package main
