// fedicrawler crawls the fediverse and publishes the alive-instances list.
package main

import (
	"os"

	"github.com/minoru/fediverse-crawler/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
