package main

import (
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/ordersync_backend/utils"
)

// Dev helper: mints a bearer token for a tenant so the HTTP API can be
// exercised from curl without a real auth service.
func main() {
	businessId := flag.String("business-id", "", "tenant to mint the token for (required)")
	role := flag.String("role", "admin", "role claim")
	flag.Parse()

	if *businessId == "" {
		fmt.Fprintln(os.Stderr, "usage: mint-token --business-id <id> [--role <role>]")
		os.Exit(2)
	}

	token, err := utils.JwtGenerate(*businessId, *role)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mint-token:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
