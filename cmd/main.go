// Command queryrouter answers natural-language questions over an employee
// SQL database and a grocery warehouse document store.
//
// Usage:
//
//	queryrouter serve                       # HTTP :8080 and gRPC :50051
//	queryrouter ask "who manages Sales?"    # one turn, rendered as markdown
//	echo '{"query":"..."}' | queryrouter ask --json
//	queryrouter schema sql
//	queryrouter health
//	queryrouter stats --json
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
