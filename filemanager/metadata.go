package filemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nebulastore/nebulastore/afs"
	"github.com/nebulastore/nebulastore/nserr"
)

// FileMetadata is one entry in the on-disk metadata file's "files" map.
type FileMetadata struct {
	Number       uint64    `json:"number"`
	Size         uint64    `json:"size"`
	DataLength   uint64    `json:"data_length"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"last_modified"`
	IsActive     bool      `json:"is_active"`
}

// ChannelMetadata is the advisory on-disk metadata file for one channel,
// channel_{c:03}_metadata.json. Authority is always the transaction log plus
// the actual directory listing; this file only speeds up startup and status
// reporting.
type ChannelMetadata struct {
	NextFileNumber uint64                  `json:"next_file_number"`
	LastUpdated    time.Time               `json:"last_updated"`
	FileCount      int                     `json:"file_count"`
	TotalDataSize  uint64                  `json:"total_data_size"`
	RootObjectID   string                  `json:"root_oid,omitempty"`
	Files          map[uint64]FileMetadata `json:"files"`
}

// MetadataFileName formats the metadata filename for a channel.
func MetadataFileName(channel uint16) string {
	return fmt.Sprintf("channel_%03d_metadata.json", channel)
}

func loadChannelMetadata(ctx context.Context, conn afs.Connector, path afs.BlobPath) (*ChannelMetadata, error) {
	exists, err := conn.FileExists(ctx, path)
	if err != nil {
		return nil, nserr.IoReadingErr(path.String(), err)
	}
	if !exists {
		return &ChannelMetadata{Files: make(map[uint64]FileMetadata)}, nil
	}

	size, err := conn.GetSize(ctx, path)
	if err != nil {
		return nil, nserr.IoReadingErr(path.String(), err)
	}
	if size == 0 {
		return &ChannelMetadata{Files: make(map[uint64]FileMetadata)}, nil
	}

	data, err := conn.Read(ctx, path, 0, int64(size))
	if err != nil {
		return nil, nserr.IoReadingErr(path.String(), err)
	}

	var meta ChannelMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, nserr.ConsistencyErr(fmt.Sprintf("corrupt metadata file %s: %v", path, err))
	}
	if meta.Files == nil {
		meta.Files = make(map[uint64]FileMetadata)
	}
	return &meta, nil
}

func saveChannelMetadata(ctx context.Context, conn afs.Connector, path afs.BlobPath, meta *ChannelMetadata) error {
	meta.LastUpdated = time.Now()
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nserr.Wrap(nserr.IoWriting, "marshaling metadata", err)
	}
	if _, err := conn.Write(ctx, path, [][]byte{data}); err != nil {
		return nserr.IoWritingErr(path.String(), err)
	}
	return nil
}
