package artifact

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// DefaultReadURLTTL is how long an artifact read URL stays valid.
const DefaultReadURLTTL = 30 * time.Minute

// BlobStore keeps artifacts in Azure Blob Storage. Read URLs are service
// SAS URLs, so the store must be built from a connection string that carries
// an account key.
type BlobStore struct {
	client  *azblob.Client
	readTTL time.Duration
}

// NewBlobStore connects to the storage account in connectionString.
func NewBlobStore(connectionString string, readTTL time.Duration) (*BlobStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}
	if readTTL <= 0 {
		readTTL = DefaultReadURLTTL
	}
	return &BlobStore{client: client, readTTL: readTTL}, nil
}

func (s *BlobStore) Upload(ctx context.Context, loc Location, r io.Reader) (string, error) {
	if _, err := s.client.UploadStream(ctx, loc.Container, loc.Blob, r, nil); err != nil {
		return "", fmt.Errorf("uploading %s: %w", loc, err)
	}

	blob := s.client.ServiceClient().NewContainerClient(loc.Container).NewBlobClient(loc.Blob)
	readURL, err := blob.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().UTC().Add(s.readTTL), nil)
	if err != nil {
		return "", fmt.Errorf("signing read URL for %s: %w", loc, err)
	}
	return readURL, nil
}

func (s *BlobStore) Delete(ctx context.Context, loc Location) error {
	_, err := s.client.DeleteBlob(ctx, loc.Container, loc.Blob, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("deleting %s: %w", loc, err)
	}
	return nil
}
