package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/natefinch/lumberjack.v2"

	"lumastream/api"
	"lumastream/config"
	"lumastream/handlers"
	"lumastream/internal/database"
	"lumastream/services/library"
	"lumastream/services/probe"
	"lumastream/services/stream"
	"lumastream/services/transcode"
)

func main() {
	portOverride := flag.Int("port", 0, "override server port from config")
	flag.Parse()

	// Determine config path (env or default)
	configPath := os.Getenv("LUMASTREAM_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("cache", "settings.json")
	}

	cfgManager := config.NewManager(configPath)
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	// Set up file logging with rotation
	if settings.Log.File != "" {
		logDir := filepath.Dir(settings.Log.File)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			log.Printf("Warning: could not create log directory %s: %v", logDir, err)
		} else {
			fileWriter := &lumberjack.Logger{
				Filename:   settings.Log.File,
				MaxSize:    settings.Log.MaxSize,
				MaxBackups: settings.Log.MaxBackups,
				MaxAge:     settings.Log.MaxAge,
				Compress:   settings.Log.Compress,
			}
			log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
			log.SetFlags(log.LstdFlags | log.Lshortfile)
			log.Printf("Logging to file: %s", settings.Log.File)
		}
	}

	if *portOverride > 0 {
		settings.Server.Port = *portOverride
	}

	store, err := database.Open(settings.Database.Path)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	if err := os.MkdirAll(settings.Transcode.OutputDirectory, 0o755); err != nil {
		log.Fatalf("failed to create transcode output directory: %v", err)
	}

	if len(settings.Library.Directories) > 0 {
		n := library.Register(store, settings.Library.Directories)
		log.Printf("[library] registered %d media files", n)
	}

	prober := probe.NewProber(settings.Transcode.FFprobePath)
	manager := transcode.NewManager(transcode.ManagerOptions{
		FFmpegPath:        settings.Transcode.FFmpegPath,
		OutputRoot:        settings.Transcode.OutputDirectory,
		SegmentSeconds:    settings.Transcode.SegmentSeconds,
		ThrottleWindowSec: settings.Transcode.ThrottleWindowSec,
	}, prober, store)
	streamService := stream.NewService(store, prober, manager, stream.Capabilities{
		VideoCodecs: settings.Transcode.CompatibleVideoCodecs,
		AudioCodecs: settings.Transcode.CompatibleAudioCodecs,
		Containers:  settings.Transcode.CompatibleContainers,
	})
	streamHandler := handlers.NewStreamHandler(streamService, manager)

	r := mux.NewRouter()
	api.Register(r, streamHandler)

	addr := fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port)
	fmt.Printf("Server starting on %s\n", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdownChan
	log.Println("Shutdown signal received, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	manager.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Shutdown complete")
}
