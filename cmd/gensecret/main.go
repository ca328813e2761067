package main

import (
	"flag"
	"fmt"

	"github.com/kabili207/iamhere-server/pkg/auth"
)

func main() {
	length := flag.Int("length", 32, "Length of the secret in bytes (will be hex encoded, so output is 2x this)")
	flag.Parse()

	secret, err := auth.RandomHex(*length)
	if err != nil {
		fmt.Printf("Error generating secret: %v\n", err)
		return
	}

	fmt.Printf("Secret: %s\n", secret)
	fmt.Printf("Export: IAMHERE_JWT_SECRET=%s\n", secret)
}
