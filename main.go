// The main package for the articlecrawler executable.
package main

import (
	"github.com/JakeFAU/article-frontier/cmd"
)

func main() {
	cmd.Execute()
}
