// Package mission coordinates guided and autonomous missions.
//
// A mission moves through pending, preflight and running, may pause any
// number of times in awaiting_checkpoint, and ends completed, failed or
// cancelled. Each pause tears down the upstream stream; the next segment is
// opened with resume_from set to the resolved checkpoint. Mission records are
// written only by the Orchestrator.
package mission
