// submit posts a code file to the scheduler and prints the returned flag.
// The literal {{INPUT}} in the code is replaced with the contents of the
// input file before submission.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/flagforge/execd/internal/domain"
)

func main() {
	settings := flag.String("settings", "", "encrypted settings token (optional)")
	url := flag.String("url", envOr("SCHEDULER_URL", "http://localhost:8001/submit"), "scheduler submit URL")
	flag.Parse()

	if flag.NArg() != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <language> <code-file> <input-file>\n", os.Args[0])
		os.Exit(1)
	}
	language, codePath, inputPath := flag.Arg(0), flag.Arg(1), flag.Arg(2)

	code, err := os.ReadFile(codePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reading code file:", err)
		os.Exit(1)
	}
	input, err := os.ReadFile(inputPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "reading input file:", err)
		os.Exit(1)
	}

	req := domain.SubmitRequest{
		Code:     strings.ReplaceAll(string(code), "{{INPUT}}", string(input)),
		Language: language,
	}
	if *settings != "" {
		req.Settings = settings
	}
	body, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encoding request:", err)
		os.Exit(1)
	}

	resp, err := http.Post(*url, "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintln(os.Stderr, "submitting:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp domain.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Detail != "" {
			fmt.Fprintf(os.Stderr, "scheduler returned %d: %s\n", resp.StatusCode, errResp.Detail)
		} else {
			fmt.Fprintf(os.Stderr, "scheduler returned %d\n", resp.StatusCode)
		}
		os.Exit(1)
	}

	var out domain.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Fprintln(os.Stderr, "decoding response:", err)
		os.Exit(1)
	}
	fmt.Println(out.Flag)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
