package azure

import (
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// blobClient wraps the azblob SDK client behind the BlobStore interface.
type blobClient struct {
	client *azblob.Client
}

// NewBlobStore builds a BlobStore for the given storage account.
func NewBlobStore(accountName string, cred azcore.TokenCredential) (BlobStore, error) {
	serviceURL := "https://" + accountName + ".blob.core.windows.net/"
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, err
	}
	return &blobClient{client: client}, nil
}

func (b *blobClient) ListBlobs(ctx context.Context, container, prefix string) ([]BlobInfo, error) {
	var blobs []BlobInfo
	pager := b.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := BlobInfo{Path: *item.Name}
			if props := item.Properties; props != nil {
				if props.ContentLength != nil {
					info.Size = *props.ContentLength
				}
				if props.LastModified != nil {
					info.LastModified = *props.LastModified
				}
				if props.ETag != nil {
					info.ETag = string(*props.ETag)
				}
				info.ContentMD5 = props.ContentMD5
			}
			blobs = append(blobs, info)
		}
	}
	return blobs, nil
}

func (b *blobClient) Download(ctx context.Context, container, path string) ([]byte, error) {
	resp, err := b.client.DownloadStream(ctx, container, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
