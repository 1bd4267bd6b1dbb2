// The main package for the docstore executable.
package main

import (
	_ "github.com/joho/godotenv/autoload"

	"github.com/JakeFAU/helpcenter-docstore/cmd"
)

func main() {
	cmd.Execute()
}
