package models

import "time"

// Archive source kinds.
const (
	ArchiveSourceLocal  = "local"
	ArchiveSourceRestic = "restic"
	ArchiveSourceS3     = "s3"
)

// ArchiveConfig says where the dump archive to restore comes from.
type ArchiveConfig struct {
	Source string // "local" (default), "restic" or "s3"
	Path   string // local path, path inside the snapshot, or object key
	Restic *ResticSource
	S3     *S3Source
}

// ResticSource locates an archive inside a restic repository.
type ResticSource struct {
	Repository   string
	Password     string
	RestUser     string // optional, for REST server auth
	RestPassword string // optional, for REST server auth
	Snapshot     string // snapshot ID, "latest" by default
	Host         string // optional --host filter for "latest"
}

// S3Source locates an archive in an S3 compatible bucket.
type S3Source struct {
	Bucket    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ArchiveResult holds the result of fetching an archive.
type ArchiveResult struct {
	Path      string // local file handed to pg_restore
	SizeBytes int64
	Fetched   bool // true if Path is a temporary copy owned by the caller
	Duration  time.Duration
	Error     error
}
