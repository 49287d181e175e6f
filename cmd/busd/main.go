package main

import (
	"log"
	"net/http"
	"os"

	"github.com/tpruzina/bus1"
)

func mustGetEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func main() {
	httpAddr := mustGetEnv("BUS1_HTTP_ADDR", ":8157")

	domain := bus1.NewDomain()
	ins := bus1.NewInspector(domain)

	log.Printf("bus1 domain %s, inspector on %s", domain.ID(), httpAddr)
	if err := http.ListenAndServe(httpAddr, ins); err != nil {
		log.Fatal(err)
	}
}
