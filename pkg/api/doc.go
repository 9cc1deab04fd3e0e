// Package api defines the wire types shared by the PAP engine, server, and
// client: pipeline specifications, run state, status events, artifact
// references, and the error taxonomy. Every type serializes to JSON so runs
// can be diagnosed across versions.
package api
