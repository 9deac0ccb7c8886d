package main

import (
	"log"
	"net/http"
	_ "net/http/pprof"

	"github.com/PatchLens/go-trace-lens/lens"
	"github.com/PatchLens/go-trace-lens/lens/cmd"
)

const pprofDebug = false

func main() {
	log.SetFlags(log.LstdFlags)

	if pprofDebug {
		go func() {
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Printf("pprof server failure: %v", err)
			}
		}()
	}

	if err := cmd.NewRootCommand().Execute(); err != nil {
		log.Fatalf("%s%v", lens.ErrorLogPrefix, err)
	}
}
