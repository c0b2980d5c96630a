package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	config "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ConnectMongoWithTimeout opens the raw message archive connection
func ConnectMongoWithTimeout(cfg config.ArchiveConfig, timeout time.Duration) (*mongo.Client, error) {
	if cfg.MongoURI == "" {
		return nil, fmt.Errorf("archive MongoDB URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(cfg.MongoURI)

	// Atlas clusters require TLS
	if strings.HasPrefix(cfg.MongoURI, "mongodb+srv://") {
		clientOptions.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	clientOptions.SetServerSelectionTimeout(timeout)
	clientOptions.SetConnectTimeout(timeout)
	clientOptions.SetSocketTimeout(timeout)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("unable to ping MongoDB: %w", err)
	}

	return client, nil
}

// PingMongo checks the archive connection
func PingMongo(ctx context.Context, client *mongo.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return client.Ping(ctx, readpref.Primary())
}
