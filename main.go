// Command glyphdb is the entry point for the glyphdb server process: a
// transactional, multi-model database engine with a document/graph query
// boundary served over HTTP/WebSocket. See cli.RootCmd for flag and
// configuration handling.
package main

import (
	"log"
	"os"

	"glyphdb.dev/glyphdb/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
