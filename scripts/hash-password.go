//go:build ignore

// Prints the bcrypt hash for ADMIN_PASSWORD_HASH. The password is read from
// the first argument or, when absent, from stdin.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	cost := flag.Int("cost", 12, "bcrypt cost")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/hash-password.go [-cost N] [password]\n")
	}
	flag.Parse()

	password := flag.Arg(0)
	if password == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			flag.Usage()
			os.Exit(1)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if len(password) < 12 {
		fmt.Fprintf(os.Stderr, "Error: admin password must be at least 12 characters\n")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(hash))
}
