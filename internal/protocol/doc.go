// Package protocol implements the relay wire format.
//
// Inbound frames are decoded into one of three envelope variants (Speak, Translation, Debug).
// A Speak keeps its payload bytes untouched so the relay can forward transcript deltas verbatim;
// consumers rebuild text per segment from segmentId, replaceFrom and textSuffix.
package protocol
