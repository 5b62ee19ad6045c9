// Command veles is a minimal entry point for running VelesQL statements
// against an embedded database directory. The interactive REPL, HTTP
// server, and connectors live outside this repository.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	velesdb "github.com/cyberlife-coder/velesdb"
)

func main() {
	dataDir := flag.String("data", "./data", "database data directory")
	paramsJSON := flag.String("params", "{}", "query parameters as a JSON object")
	collection := flag.String("collection", "", "execute against a single collection (enables MATCH)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: veles [-data DIR] [-params JSON] [-collection NAME] 'QUERY'")
		os.Exit(1)
	}
	query := flag.Arg(0)

	var params map[string]any
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		fmt.Fprintf(os.Stderr, "veles: invalid -params: %v\n", err)
		os.Exit(1)
	}

	db, err := velesdb.Open(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "veles: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	var result *velesdb.Result
	if *collection != "" {
		coll, err := db.Collection(*collection)
		if err != nil {
			fmt.Fprintf(os.Stderr, "veles: %v\n", err)
			os.Exit(1)
		}
		result, err = coll.ExecuteQuery(ctx, query, params)
		if err != nil {
			fmt.Fprintf(os.Stderr, "veles: %v\n", err)
			os.Exit(1)
		}
	} else {
		result, err = db.ExecuteQuery(ctx, query, params)
		if err != nil {
			fmt.Fprintf(os.Stderr, "veles: %v\n", err)
			os.Exit(1)
		}
	}

	out, err := json.MarshalIndent(result.Rows, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "veles: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
