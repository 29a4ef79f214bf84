package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/releasegate/releasegate/internal/ledger"
)

// Offline canonicalization pass over a raw decision ledger. Prints the run
// stats as JSON so operators can eyeball the drop counts.
func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <raw.ndjson> <canonical.ndjson>\n", os.Args[0])
		os.Exit(1)
	}
	rawPath, canonicalPath := os.Args[1], os.Args[2]

	stats, err := ledger.CanonicalizeFile(rawPath, canonicalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "canonicalize: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode stats: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
