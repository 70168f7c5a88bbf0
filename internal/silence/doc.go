// Package silence implements notification suppression: user-created,
// time-bounded silences matched by label predicates, and inhibition
// rules that mute dependent alerts while a designated source alert is
// firing. Both are consulted on every routing and flush pass and never
// cached across ticks.
package silence
