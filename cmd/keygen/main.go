// keygen prints a fresh pair of service keys: a Fernet key for settings
// encryption and an independent random key for flag signing. Set them as
// ENCRYPTION_KEY and SIGNATURE_KEY for the scheduler.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/fernet/fernet-go"
)

func main() {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		fmt.Fprintln(os.Stderr, "generating encryption key:", err)
		os.Exit(1)
	}

	sig := make([]byte, 32)
	if _, err := rand.Read(sig); err != nil {
		fmt.Fprintln(os.Stderr, "generating signature key:", err)
		os.Exit(1)
	}

	fmt.Printf("ENCRYPTION_KEY=%s\n", k.Encode())
	fmt.Printf("SIGNATURE_KEY=%s\n", base64.URLEncoding.EncodeToString(sig))
}
