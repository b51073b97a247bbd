package main

import (
	"context"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"prism-board/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")
	ctx := context.Background()

	if strings.EqualFold(os.Getenv("STORE_BACKEND"), "sqlite") {
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = "board.db"
		}
		s, err := storage.OpenSQLite(path)
		if err != nil {
			log.Fatalf("sqlite schema: %v", err)
		}
		_ = s.Close()
		log.WithField("path", path).Info("storage init complete")
		return
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	if err := storage.CreateTables(ctx, connStr, os.Getenv("TASKS_TABLE")); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if err := storage.CreateQueues(ctx, connStr, os.Getenv("EVENTS_QUEUE")); err != nil {
		log.Fatalf("create queues: %v", err)
	}
	log.Info("storage init complete")
}
