// The main package for the sitecrawler executable.
package main

import "github.com/JakeFAU/sitecrawler/cmd"

func main() {
	cmd.Execute()
}
