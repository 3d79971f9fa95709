// Command coachsync keeps a local, consistent view of a coach's conversations
// in sync with the realtime chat gateway and serves it to local UIs.
package main

import (
	"log"

	"coachsync/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
