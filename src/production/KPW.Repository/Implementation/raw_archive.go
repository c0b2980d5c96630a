package implementation

import (
	"context"
	"time"

	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoRawArchive keeps every inbound broker message, including the ones
// that failed to normalize, for later replay and debugging.
type MongoRawArchive struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func NewMongoRawArchive(coll *mongo.Collection, timeout time.Duration) *MongoRawArchive {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MongoRawArchive{coll: coll, timeout: timeout}
}

func (a *MongoRawArchive) Archive(ctx context.Context, msg kpwmodels.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	_, err := a.coll.InsertOne(ctx, msg)
	return err
}
