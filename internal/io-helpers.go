package internal

import (
	"io"
	"log"
)

// Close closes c, panicking if an error occurs. Used in defer statements
// throughout the I/O layer so that a failed flush on close is never
// silently swallowed.
func Close(c io.Closer) {
	if err := c.Close(); err != nil {
		log.Panic(err)
	}
}
