// Package state defines the entity kinds, directions and transition rules
// shared by the cache and the mutation engines.
//
// Absence is meaningful: an id with no stored value has a neutral vote (0) or
// no relation (false). Tables never materialize neutral entries.
package state
