package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/realm-aggregator/internal/config"
)

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(config.GetEnvOrDefault("LOG_FORMAT", "text"))
	logLevel := strings.ToLower(config.GetEnvOrDefault("LOG_LEVEL", "info"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

// errorBody is the JSON shape of every error response
type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Status     string `json:"status"`
	Error      string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to write response")
	}
}

// errorResponse logs and writes a JSON error
func errorResponse(w http.ResponseWriter, statusCode int, errorMsg string) {
	entry := logrus.WithField("status", statusCode)
	if statusCode >= http.StatusInternalServerError {
		entry.Warn(errorMsg)
	} else {
		entry.Debug(errorMsg)
	}
	writeJSON(w, statusCode, errorBody{
		StatusCode: statusCode,
		Status:     "error",
		Error:      errorMsg,
	})
}

// writeEvent writes v as one server-sent "summary" event
func writeEvent(w http.ResponseWriter, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: summary\ndata: %s\n\n", data)
	return err
}
