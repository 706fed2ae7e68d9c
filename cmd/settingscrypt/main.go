// settingscrypt encrypts a settings JSON object into the opaque token a
// submission carries in its "settings" field. The object may set
// memory_limit (MB), compile_timeout (ms) and run_timeout (ms).
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"

	"github.com/flagforge/execd/internal/crypto"
)

func main() {
	_ = godotenv.Load()

	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		fmt.Fprintln(os.Stderr, "ENCRYPTION_KEY environment variable not set")
		os.Exit(1)
	}
	cipher, err := crypto.NewSettingsCipher(key)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad ENCRYPTION_KEY:", err)
		os.Exit(1)
	}

	var settings []byte
	switch len(os.Args) {
	case 1:
		settings, err = io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, "reading stdin:", err)
			os.Exit(1)
		}
	case 2:
		settings = []byte(os.Args[1])
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [settings-json]  (reads stdin when omitted)\n", os.Args[0])
		os.Exit(1)
	}

	token, err := cipher.Encrypt(settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encrypt:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
