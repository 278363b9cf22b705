package main

import (
	"log"

	"github.com/gosmp/gosmp/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
