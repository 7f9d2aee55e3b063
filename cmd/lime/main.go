// Command lime runs LIME server nodes and client sessions.
package main

import "github.com/getmockd/lime/pkg/cli"

func main() {
	cli.Execute()
}
