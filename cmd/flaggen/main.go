// flaggen prints the flag for a known program output, so challenge authors
// can precompute the expected flag without touching the scheduler. Uses only
// SIGNATURE_KEY; it cannot decrypt settings tokens.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/flagforge/execd/internal/crypto"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <string-to-hash>\n", os.Args[0])
		os.Exit(1)
	}
	key := os.Getenv("SIGNATURE_KEY")
	if key == "" {
		fmt.Fprintln(os.Stderr, "SIGNATURE_KEY environment variable not set")
		os.Exit(1)
	}

	fmt.Println(crypto.NewFlagSigner(key).Flag(os.Args[1]))
}
