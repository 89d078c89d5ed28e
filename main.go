package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spatialillusions/go-tilepackage/tilepackage"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

func main() {
	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)

	if len(os.Args) < 2 {
		helptext := `Usage: tilepackage [COMMAND] [ARGS]

Inspecting archives:
tilepackage show INPUT.vtpk
tilepackage show -tile -z 5 -x 3 -y 7 INPUT.tpkx

Running a proxy server:
tilepackage serve ./ARCHIVE_DIR
tilepackage serve "https://example.com/tiles"
tilepackage serve "s3://BUCKET_NAME"`
		fmt.Println(helptext)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "show":
		showCmd := flag.NewFlagSet("show", flag.ExitOnError)
		showTile := showCmd.Bool("tile", false, "write a single tile to stdout")
		z := showCmd.Int("z", 0, "tile zoom")
		x := showCmd.Int("x", 0, "tile column")
		y := showCmd.Int("y", 0, "tile row")
		showCmd.Parse(os.Args[2:])
		path := showCmd.Arg(0)
		if path == "" {
			logger.Println("USAGE: show [-tile -z Z -x X -y Y] INPUT.vtpk or INPUT.tpkx")
			os.Exit(1)
		}
		if err := tilepackage.Show(logger, path, *showTile, *z, *x, *y); err != nil {
			logger.Fatalf("Failed to show archive, %v", err)
		}
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		port := serveCmd.String("p", "8080", "port to serve on")
		cors := serveCmd.String("cors", "", "CORS allowed origin value")
		cacheEntries := serveCmd.Int("cache", 100, "cache size in entries")
		maxDz := serveCmd.Int("maxdz", 8, "maximum zoom span for synthesized vector tiles")
		noCoverage := serveCmd.Bool("no-coverage", false, "skip the tilemap index; sparse pyramids serve only stored tiles")
		publicURL := serveCmd.String("public-url", "", "public base URL for TileJSON")
		metricsPort := serveCmd.String("metrics-port", "", "optional port for Prometheus metrics")
		serveCmd.Parse(os.Args[2:])
		base := serveCmd.Arg(0)
		if base == "" {
			logger.Println("USAGE: serve [-p PORT] [-cors VALUE] LOCAL_PATH or https://BUCKET")
			os.Exit(1)
		}

		opts := tilepackage.DefaultOptions()
		opts.MaxCacheEntries = *cacheEntries
		opts.MaxDz = uint8(*maxDz)
		opts.CoverageCheck = !*noCoverage

		server, err := tilepackage.NewServer(base, logger, opts, *cors, *publicURL)
		if err != nil {
			logger.Fatalf("Failed to create server, %v", err)
		}
		server.Start()

		if *metricsPort != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				logger.Fatal(http.ListenAndServe(":"+*metricsPort, mux))
			}()
		}

		http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			server.ServeHTTP(w, r)
		})

		logger.Printf("Serving %s on HTTP port: %s with Access-Control-Allow-Origin: %s\n", base, *port, *cors)
		logger.Fatal(http.ListenAndServe(":"+*port, nil))
	default:
		logger.Println("unrecognized command.")
		flag.PrintDefaults()
		os.Exit(1)
	}
}
