package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-sensornet/internal/config"
	"github.com/life-stream-dev/life-stream-sensornet/internal/logger"
	"github.com/life-stream-dev/life-stream-sensornet/internal/utils"
)

type DBCloseCallback struct {
	client  *mongo.Client
	timeout time.Duration
}

func NewDBCloseCallback(client *mongo.Client, timeout time.Duration) *DBCloseCallback {
	return &DBCloseCallback{client: client, timeout: timeout}
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, dc.timeout)
	defer cancel()
	return dc.client.Disconnect(ctx)
}

func databaseURL(cfg config.DatabaseConfig) string {
	if cfg.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}
	// 编码特殊字符
	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		cfg.Host,
		cfg.Port,
	)
}

func clientOptions(cfg config.DatabaseConfig, appName string) (*options.ClientOptions, error) {
	durations := map[string]string{
		"connect_timeout":      cfg.ConnectTimeout,
		"socket_timeout":       cfg.SocketTimeout,
		"connect_idle_timeout": cfg.ConnectIdleTimeout,
		"heartbeat":            cfg.Heartbeat,
	}
	parsed := make(map[string]time.Duration, len(durations))
	for name, value := range durations {
		d, err := utils.ParseStringTime(value)
		if err != nil {
			return nil, fmt.Errorf("database.%s: %w", name, err)
		}
		parsed[name] = d
	}

	clientOptions := options.Client().ApplyURI(databaseURL(cfg)).SetAppName(appName)
	// 连接池配置
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(parsed["connect_idle_timeout"])
	// 超时限制
	clientOptions.SetConnectTimeout(parsed["connect_timeout"])
	clientOptions.SetSocketTimeout(parsed["socket_timeout"])
	clientOptions.SetHeartbeatInterval(parsed["heartbeat"])
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %+v", evt)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %+v", evt)
			}
		},
	})
	return clientOptions, nil
}

// Connect opens the archive database, prepares its indexes and returns the store
// together with the callback that disconnects it.
func Connect(ctx context.Context, cfg config.DatabaseConfig, appName string) (*MongoStore, *DBCloseCallback, error) {
	logger.DebugF("Connecting to database...")
	operationTimeout, err := utils.ParseStringTime(cfg.OperationTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("database.operation_timeout: %w", err)
	}
	opts, err := clientOptions(cfg, appName)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(cfg.Database)
	if err := createIndexes(ctx, db); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}

	return NewMongoStore(db, operationTimeout), NewDBCloseCallback(client, operationTimeout), nil
}

func createIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := map[string][]mongo.IndexModel{
		ReadingCollectionName: {
			{
				Keys:    bson.D{{Key: "topic", Value: 1}, {Key: "time", Value: -1}},
				Options: options.Index().SetName("readings_topic_time"),
			},
			{
				Keys:    bson.D{{Key: "run_id", Value: 1}},
				Options: options.Index().SetName("readings_run_id"),
			},
		},
		DeliveryFailureCollectionName: {
			{
				Keys:    bson.D{{Key: "client", Value: 1}, {Key: "time", Value: -1}},
				Options: options.Index().SetName("delivery_failures_client_time"),
			},
		},
		ConnectionCollectionName: {
			{
				Keys:    bson.D{{Key: "client", Value: 1}, {Key: "time", Value: -1}},
				Options: options.Index().SetName("connections_client_time"),
			},
		},
	}
	for collection, models := range indexes {
		if _, err := db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("error occured while creating %s indexes: %w", collection, err)
		}
	}
	return nil
}
