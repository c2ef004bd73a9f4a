package storage

import (
	"errors"
	"fmt"
	"time"
)

// Config holds storage configuration from YAML.
type Config struct {
	// Type selects the backend.
	// Options: "local", "s3", "gcs", "azure", "redis", "sqlite", "firestore"
	// Default: "local"
	Type string `yaml:"type" envconfig:"TYPE"`

	// Root is the base directory for local storage. A file:// prefix is accepted.
	Root string `yaml:"root" envconfig:"ROOT"`

	S3        S3Config        `yaml:"s3,omitempty" envconfig:"S3"`
	GCS       GCSConfig       `yaml:"gcs,omitempty" envconfig:"GCS"`
	Azure     AzureConfig     `yaml:"azure,omitempty" envconfig:"AZURE"`
	Redis     RedisConfig     `yaml:"redis,omitempty" envconfig:"REDIS"`
	SQLite    SQLiteConfig    `yaml:"sqlite,omitempty" envconfig:"SQLITE"`
	Firestore FirestoreConfig `yaml:"firestore,omitempty" envconfig:"FIRESTORE"`
}

// S3Config configures the S3 (or S3-compatible) backend.
type S3Config struct {
	Bucket string `yaml:"bucket" envconfig:"BUCKET"`
	// Prefix is prepended to every key inside the bucket.
	Prefix string `yaml:"prefix,omitempty" envconfig:"PREFIX"`
	Region string `yaml:"region,omitempty" envconfig:"REGION"`
	// Endpoint overrides the service endpoint (MinIO, LocalStack).
	Endpoint string `yaml:"endpoint,omitempty" envconfig:"ENDPOINT"`
	// PathStyle forces path-style addressing, required by most S3-compatible servers.
	PathStyle bool `yaml:"path_style,omitempty" envconfig:"PATH_STYLE"`
}

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket          string `yaml:"bucket" envconfig:"BUCKET"`
	Prefix          string `yaml:"prefix,omitempty" envconfig:"PREFIX"`
	CredentialsFile string `yaml:"credentials_file,omitempty" envconfig:"CREDENTIALS_FILE"`
	// Endpoint overrides the API endpoint (fake-gcs-server).
	Endpoint string `yaml:"endpoint,omitempty" envconfig:"ENDPOINT"`
}

// AzureConfig configures the Azure Blob Storage backend.
// Either ConnectionString or Account+Key must be set.
type AzureConfig struct {
	Container        string `yaml:"container" envconfig:"CONTAINER"`
	Prefix           string `yaml:"prefix,omitempty" envconfig:"PREFIX"`
	ConnectionString string `yaml:"connection_string,omitempty" envconfig:"CONNECTION_STRING"`
	Account          string `yaml:"account,omitempty" envconfig:"ACCOUNT"`
	Key              string `yaml:"key,omitempty" envconfig:"KEY"`
	// ServiceURL overrides https://<account>.blob.core.windows.net/.
	ServiceURL string `yaml:"service_url,omitempty" envconfig:"SERVICE_URL"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr" envconfig:"ADDR"`
	// Password is the Redis password (optional).
	Password string `yaml:"password,omitempty" envconfig:"PASSWORD"`
	// DB is the Redis database number.
	DB int `yaml:"db,omitempty" envconfig:"DB"`
	// Prefix is the key prefix for all checkpoint keys (default: "gameserver:").
	Prefix string `yaml:"prefix,omitempty" envconfig:"PREFIX"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size,omitempty" envconfig:"POOL_SIZE"`
	// DialTimeout bounds the startup ping (default: 5s).
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty" envconfig:"DIAL_TIMEOUT"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is a database file path or ":memory:".
	Path string `yaml:"path" envconfig:"PATH"`
}

// FirestoreConfig configures the Firestore backend.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id" envconfig:"PROJECT_ID"`
	Collection      string `yaml:"collection,omitempty" envconfig:"COLLECTION"`
	CredentialsFile string `yaml:"credentials_file,omitempty" envconfig:"CREDENTIALS_FILE"`
}

// Validate checks that the fields required by the selected backend are present.
func (c Config) Validate() error {
	switch c.Type {
	case TypeLocal, "":
		if c.Root == "" {
			return errors.New("storage.root is required for local storage")
		}
	case TypeS3:
		if c.S3.Bucket == "" {
			return errors.New("storage.s3.bucket is required")
		}
	case TypeGCS:
		if c.GCS.Bucket == "" {
			return errors.New("storage.gcs.bucket is required")
		}
	case TypeAzure:
		if c.Azure.Container == "" {
			return errors.New("storage.azure.container is required")
		}
		if c.Azure.ConnectionString == "" && (c.Azure.Account == "" || c.Azure.Key == "") {
			return errors.New("storage.azure needs connection_string or account and key")
		}
	case TypeRedis:
		if c.Redis.Addr == "" {
			return errors.New("storage.redis.addr is required")
		}
	case TypeSQLite:
		if c.SQLite.Path == "" {
			return errors.New("storage.sqlite.path is required")
		}
	case TypeFirestore:
		if c.Firestore.ProjectID == "" {
			return errors.New("storage.firestore.project_id is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", c.Type)
	}
	return nil
}
