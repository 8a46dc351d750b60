// Package pfr parses Pro Football Reference roster and player profile pages.
//
// Roster tables are frequently shipped inside HTML comments and revealed by
// client-side script, so the roster parser looks in both places.
package pfr
