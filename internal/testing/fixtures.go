// Package testing holds helpers shared by the package tests
package testing

import (
	"math/rand/v2"
	"time"

	"chatrelay/internal/storage"
)

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandString generates random string with 10 symbols length from lower- and uppercase alphabet
func RandString() string {
	return randString(10)
}

func randString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

// RandMessage returns a message from a random user at the given instant,
// already cut to the precision stores keep
func RandMessage(at time.Time) storage.ChatMessage {
	return storage.ChatMessage{
		Username: RandString(),
		Message:  "text " + randString(16),
		Datetime: at,
	}.Truncate()
}
