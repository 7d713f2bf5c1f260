// Command demo runs a scripted map browsing session against the built-in
// reference store backend and prints what a map surface would render at
// each step.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/woziwww-lang/kaimono-fullstack/fetch"
	"github.com/woziwww-lang/kaimono-fullstack/geo"
	"github.com/woziwww-lang/kaimono-fullstack/querystate"
	"github.com/woziwww-lang/kaimono-fullstack/session"
	"github.com/woziwww-lang/kaimono-fullstack/storeapi"
	"github.com/woziwww-lang/kaimono-fullstack/stores"
	"github.com/woziwww-lang/kaimono-fullstack/view"
)

var tokyoArea = geo.BBox{139.5, 35.4, 140.0, 35.9}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	baseURL, shutdown, err := startBackend(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start backend: %v\n", err)
		os.Exit(1)
	}
	defer shutdown()

	searcher := fetch.NewClient(baseURL, fetch.WithClientLogger(logger))
	sess := session.New(searcher, session.Options{
		Persist: func(encoded string) {
			fmt.Printf("  persisted: %s\n", encoded)
		},
		SettleDelay: 50 * time.Millisecond,
		Logger:      logger,
	})
	defer sess.Close()

	fmt.Println("== search over central Tokyo ==")
	sess.SetSearch("スーパーマーケット")
	sess.SetViewport(geo.BBox{139.6, 35.5, 139.9, 35.8}, 11)
	waitSettled(sess)
	printView(sess)

	fmt.Println("\n== zoom in ==")
	sess.SetViewport(geo.BBox{139.70, 35.60, 139.78, 35.68}, 14)
	waitSettled(sess)
	printView(sess)

	fmt.Println("\n== locate and sort by distance ==")
	sess.SetUserLocation(geo.Point{Lat: 35.6812, Lon: 139.7671})
	sess.SetSort(querystate.SortDistance)
	waitSettled(sess)
	printView(sess)
}

// startBackend serves the reference catalog on a loopback port.
func startBackend(logger *slog.Logger) (string, func(), error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	catalog := stores.GenerateCatalog(2000, tokyoArea, 1)
	storeapi.NewServer(catalog, storeapi.WithLogger(logger)).Register(router)

	server := &http.Server{Handler: router}
	go func() { _ = server.Serve(listener) }()

	return "http://" + listener.Addr().String(), func() { _ = server.Close() }, nil
}

func waitSettled(sess *session.Session) {
	// Let the debounce window elapse before polling the flags.
	time.Sleep(80 * time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		flags := sess.Flags()
		if !flags.Loading && !flags.Transitioning {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func printView(sess *session.Session) {
	flags := sess.Flags()
	if flags.ErrorMessage != "" {
		fmt.Printf("  error: %s\n", flags.ErrorMessage)
		return
	}

	markers := sess.Markers()
	clusters, pins := 0, 0
	for _, m := range markers {
		if m.Kind == view.MarkerCluster {
			clusters++
		} else {
			pins++
		}
	}
	fmt.Printf("  markers: %d clusters, %d pins\n", clusters, pins)

	items := sess.List()
	fmt.Printf("  list: %d stores\n", len(items))
	for i, item := range items {
		if i == 5 {
			fmt.Println("  ...")
			break
		}
		fmt.Printf("  %2d. %s  %s  %s\n", i+1, item.Store.Name,
			view.FormatPrice(item.Store.MinPrice), view.FormatDistance(item.DistanceKm))
	}
}
