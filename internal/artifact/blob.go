package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// Blob keeps artifacts in an Azure storage container addressed by a SAS URL.
type Blob struct {
	client *container.Client
}

// NewBlob creates a blob artifact store from a container SAS URL.
func NewBlob(containerSASURL string) (*Blob, error) {
	c, err := container.NewClientWithNoCredential(containerSASURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob container client: %w", err)
	}
	return &Blob{client: c}, nil
}

// Delete removes each blob, ignoring ones that are already gone.
func (b *Blob) Delete(ctx context.Context, relativePaths []string) error {
	var errs []error
	for _, rel := range relativePaths {
		_, err := b.client.NewBlobClient(rel).Delete(ctx, nil)
		if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			errs = append(errs, fmt.Errorf("delete blob %s: %w", rel, err))
		}
	}
	return errors.Join(errs...)
}

// ForSession picks where a session's artifacts live: its own blob
// destination if it has one, otherwise the fallback.
func ForSession(sasURI string, fallback Store) Store {
	if sasURI == "" {
		return fallback
	}
	b, err := NewBlob(sasURI)
	if err != nil {
		return Multi{fallback, failing{err}}
	}
	return Multi{fallback, b}
}

type failing struct{ err error }

func (f failing) Delete(context.Context, []string) error { return f.err }
