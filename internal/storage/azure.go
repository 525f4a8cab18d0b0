package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rs/zerolog"
)

// AzureBlobBackend stores objects in an Azure Blob Storage container.
type AzureBlobBackend struct {
	container *container.Client
	name      string
	logger    zerolog.Logger
}

// AzureBlobConfig lists the supported credentials in order of preference:
// connection string, SAS token, shared key, managed identity.
type AzureBlobConfig struct {
	ConnectionString   string
	AccountName        string
	AccountKey         string
	SASToken           string
	UseManagedIdentity bool
	ContainerName      string
	Endpoint           string // Azurite
}

func NewAzureBlobBackend(cfg *AzureBlobConfig, logger zerolog.Logger) (*AzureBlobBackend, error) {
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure container name is required")
	}
	log := logger.With().Str("component", "azure-storage").Str("container", cfg.ContainerName).Logger()

	client, method, err := newAzureClient(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("auth", method).Msg("Using Azure Blob Storage")

	b := &AzureBlobBackend{
		container: client.ServiceClient().NewContainerClient(cfg.ContainerName),
		name:      cfg.ContainerName,
		logger:    log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.container.GetProperties(ctx, nil); err != nil {
		log.Warn().Err(err).Msg("Could not verify container exists (may need to create it)")
	}
	return b, nil
}

func newAzureClient(cfg *AzureBlobConfig) (*azblob.Client, string, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountName != "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}

	switch {
	case cfg.ConnectionString != "":
		c, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client from connection string: %w", err)
		}
		return c, "connection_string", nil

	case cfg.AccountName != "" && cfg.SASToken != "":
		c, err := azblob.NewClientWithNoCredential(endpoint+"?"+strings.TrimPrefix(cfg.SASToken, "?"), nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with SAS token: %w", err)
		}
		return c, "sas_token", nil

	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create shared key credential: %w", err)
		}
		c, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with shared key: %w", err)
		}
		return c, "shared_key", nil

	case cfg.UseManagedIdentity && cfg.AccountName != "":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create managed identity credential: %w", err)
		}
		c, err := azblob.NewClient(endpoint, cred, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Azure client with managed identity: %w", err)
		}
		return c, "managed_identity", nil
	}
	return nil, "", fmt.Errorf("no Azure credentials configured: set azure_connection_string, azure_account_name with azure_account_key or azure_sas_token, or azure_use_managed_identity")
}

func (b *AzureBlobBackend) Write(ctx context.Context, path string, data []byte) error {
	contentType := ContentType(path)
	_, err := b.container.NewBlockBlobClient(path).UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("failed to write to Azure Blob Storage: %w", err)
	}
	b.logger.Debug().Str("path", path).Int("size", len(data)).Msg("Wrote blob")
	return nil
}

func (b *AzureBlobBackend) Read(ctx context.Context, path string) ([]byte, error) {
	resp, err := b.container.NewBlobClient(path).DownloadStream(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read from Azure Blob Storage: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Azure blob body: %w", err)
	}
	return data, nil
}

func (b *AzureBlobBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pager := b.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list Azure blobs: %w", err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *AzureBlobBackend) Delete(ctx context.Context, path string) error {
	if _, err := b.container.NewBlobClient(path).Delete(ctx, nil); err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("failed to delete from Azure Blob Storage: %w", err)
	}
	return nil
}

func (b *AzureBlobBackend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.container.NewBlobClient(path).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if isAzureNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check Azure blob existence: %w", err)
}

func (b *AzureBlobBackend) Close() error { return nil }

func (b *AzureBlobBackend) Type() string { return "azure" }

func (b *AzureBlobBackend) Location(path string) string {
	return "azure://" + b.name + "/" + path
}

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
