package testutil

import "fmt"

// Canned upstream replies shared across tests.
const (
	// RoomsListJSON is a typical read-operation payload.
	RoomsListJSON = `{"rooms":[{"id":"lobby","name":"Lobby"},{"id":"dev","name":"Dev"}]}`

	// RoomCreatedJSON is a typical mutation payload.
	RoomCreatedJSON = `{"id":"ops","name":"Ops"}`
)

// ErrorJSON formats an upstream error body.
func ErrorJSON(message string) string {
	return fmt.Sprintf(`{"error":%q}`, message)
}
