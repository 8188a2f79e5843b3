// Package fault defines the error taxonomy shared by all resilience
// components: sentinel errors for errors.Is() matching and typed errors
// carrying retry hints for errors.As() extraction.
package fault
