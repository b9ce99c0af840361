package storage

import (
	"io"

	"github.com/practice-sem-2/chat-sync-service/internal/models"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testRegistry(b Backend, p Publisher, prefix string) *DefaultRegistry {
	return NewRegistry(b, p, models.NewValidator(), RegistryConfig{
		Records: &RecordsStoreConfig{KeyPrefix: prefix},
		Updates: &UpdatesStoreConfig{UpdatesTopic: "test"},
	}, testLogger())
}
