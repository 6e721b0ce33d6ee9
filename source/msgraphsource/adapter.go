// Package msgraphsource implements a source.Adapter over Microsoft Graph,
// syncing Outlook mail messages and OneDrive drive items.
package msgraphsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"golang.org/x/oauth2"

	"github.com/evalgo/airweave-sync/entity"
	"github.com/evalgo/airweave-sync/source"
)

// Mode selects which Graph resource this adapter walks.
type Mode string

const (
	ModeMail  Mode = "mail"
	ModeDrive Mode = "drive"
)

// Config configures a Microsoft Graph connection.
type Config struct {
	Mode        Mode
	TokenSource oauth2.TokenSource // supplied by credentials.OAuthTokenSource
	PageSize    int32
	Policy      source.Policy
}

// tokenProvider adapts an oauth2.TokenSource to kiota's
// authentication.AccessTokenProvider, letting msgraph-sdk-go authenticate
// requests without depending on the Azure Identity SDK.
type tokenProvider struct {
	ts oauth2.TokenSource
}

func (p *tokenProvider) GetAuthorizationToken(ctx context.Context, _ *abstractions.RequestInformation, _ map[string]interface{}) (string, error) {
	tok, err := p.ts.Token()
	if err != nil {
		return "", fmt.Errorf("msgraphsource: refreshing token: %w", err)
	}
	return tok.AccessToken, nil
}

func (p *tokenProvider) GetAllowedHostsValidator() *abstractions.AllowedHostsValidator {
	validator := abstractions.NewAllowedHostsValidator([]string{"graph.microsoft.com"})
	return &validator
}

// Adapter walks Microsoft Graph mail or drive items.
type Adapter struct {
	*source.BaseAdapter
	cfg    Config
	client *msgraphsdk.GraphServiceClient
}

// New builds a msgraphsource.Adapter, constructing the Graph client around
// a kiota RequestAdapter backed by tokenProvider.
func New(cfg Config) (*Adapter, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	policy := cfg.Policy
	if policy == (source.Policy{}) {
		policy = source.DefaultPolicy()
	}

	authProvider := &kiotaAuthProvider{tokenProvider: &tokenProvider{ts: cfg.TokenSource}}
	adapter, err := msgraphcore.NewGraphRequestAdapterBase(authProvider, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("msgraphsource: creating request adapter: %w", err)
	}
	client := msgraphsdk.NewGraphServiceClient(adapter)

	return &Adapter{
		BaseAdapter: source.NewBaseAdapter(policy),
		cfg:         cfg,
		client:      client,
	}, nil
}

// Name implements source.Adapter.
func (a *Adapter) Name() string {
	return "msgraph_" + string(a.cfg.Mode)
}

// Generate implements source.Adapter. The incoming cursor is not read, and
// each run fetches only the first page of /me/messages (mail) or
// /me/drive/root/children (drive); later pages are not walked. Mail mode
// returns that page's @odata.nextLink as the cursor when there is one;
// otherwise, and always in drive mode, the given cursor is returned.
func (a *Adapter) Generate(ctx context.Context, cursor *source.Cursor, emit source.EmitFunc) (*source.Cursor, error) {
	switch a.cfg.Mode {
	case ModeMail:
		return a.generateMail(ctx, cursor, emit)
	case ModeDrive:
		return a.generateDrive(ctx, cursor, emit)
	default:
		return nil, fmt.Errorf("msgraphsource: unknown mode %q", a.cfg.Mode)
	}
}

func (a *Adapter) generateMail(ctx context.Context, cursor *source.Cursor, emit source.EmitFunc) (*source.Cursor, error) {
	var result *MessagesPage
	err := a.Retry(ctx, func() error {
		page, err := a.fetchMessagesPage(ctx)
		result = page
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("msgraphsource: listing messages: %w", err)
	}

	for _, msg := range result.Messages {
		ent := entity.Entity{
			EntityID:   msg.ID,
			EntityType: "msgraph_message",
			Fields: map[string]any{
				"subject":      msg.Subject,
				"body_preview": msg.BodyPreview,
				"from":         msg.From,
				"received_at":  msg.ReceivedAt,
			},
			UpdatedAt: msg.ReceivedAt,
		}
		if err := emit(ctx, ent); err != nil {
			return nil, err
		}
	}

	if result.NextLink == "" {
		return cursor, nil
	}
	return &source.Cursor{Value: result.NextLink}, nil
}

func (a *Adapter) generateDrive(ctx context.Context, cursor *source.Cursor, emit source.EmitFunc) (*source.Cursor, error) {
	var items []DriveItem
	err := a.Retry(ctx, func() error {
		fetched, err := a.fetchDriveItems(ctx)
		items = fetched
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("msgraphsource: listing drive items: %w", err)
	}

	for _, item := range items {
		if item.Folder {
			continue
		}
		ent := entity.Entity{
			EntityID:   item.ID,
			EntityType: "msgraph_drive_item",
			Fields: map[string]any{
				"name":             item.Name,
				"size_bytes":       item.SizeBytes,
				"mime_type":        item.MimeType,
				"download_url":     item.DownloadURL,
				"last_modified_at": item.LastModifiedAt,
			},
			UpdatedAt: item.LastModifiedAt,
		}
		if item.DownloadURL != "" {
			item := item
			ent.LazyOps = append(ent.LazyOps, entity.LazyOp{
				Name: "local_path",
				Fn: func(opCtx context.Context) (any, error) {
					return a.downloadToTemp(opCtx, item.DownloadURL, item.Name)
				},
			})
		}
		if err := emit(ctx, ent); err != nil {
			return nil, err
		}
	}
	return cursor, nil
}

// downloadToTemp fetches a drive item's content to a temp file under
// ${TMP}/airweave/<uuid>-<safe_filename>, deferring the download cost to the
// worker that materializes the entity instead of paying it while streaming
// the listing page.
func (a *Adapter) downloadToTemp(ctx context.Context, downloadURL, fileName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("msgraphsource: building download request: %w", err)
	}

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("msgraphsource: downloading drive item: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("msgraphsource: downloading drive item: status %d", resp.StatusCode)
	}

	dir := filepath.Join(os.TempDir(), "airweave")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("msgraphsource: creating temp dir: %w", err)
	}
	localPath := filepath.Join(dir, uuid.NewString()+"-"+safeFileName(fileName))

	f, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("msgraphsource: creating temp file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("msgraphsource: writing temp file: %w", err)
	}
	return localPath, nil
}

// safeFileName strips path separators so a drive item's display name can't
// escape the temp directory it's written into.
func safeFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" {
		name = "file"
	}
	return name
}

// MessagesPage is the adapter-local projection of a Graph messages response
// page, decoupling the rest of the adapter from the SDK's generated model
// types so Generate stays readable.
type MessagesPage struct {
	Messages []Message
	NextLink string
}

type Message struct {
	ID          string
	Subject     string
	BodyPreview string
	From        string
	ReceivedAt  time.Time
}

type DriveItem struct {
	ID             string
	Name           string
	SizeBytes      int64
	MimeType       string
	DownloadURL    string
	LastModifiedAt time.Time
	Folder         bool
}

// fetchMessagesPage calls the Graph /me/messages endpoint through the
// generated client and reshapes the response into MessagesPage.
func (a *Adapter) fetchMessagesPage(ctx context.Context) (*MessagesPage, error) {
	resp, err := a.client.Me().Messages().Get(ctx, nil)
	if err != nil {
		return nil, err
	}

	page := &MessagesPage{}
	for _, m := range resp.GetValue() {
		msg := Message{}
		if id := m.GetId(); id != nil {
			msg.ID = *id
		}
		if subj := m.GetSubject(); subj != nil {
			msg.Subject = *subj
		}
		if preview := m.GetBodyPreview(); preview != nil {
			msg.BodyPreview = *preview
		}
		if from := m.GetFrom(); from != nil && from.GetEmailAddress() != nil && from.GetEmailAddress().GetAddress() != nil {
			msg.From = *from.GetEmailAddress().GetAddress()
		}
		if received := m.GetReceivedDateTime(); received != nil {
			msg.ReceivedAt = *received
		}
		page.Messages = append(page.Messages, msg)
	}
	if next := resp.GetOdataNextLink(); next != nil {
		page.NextLink = *next
	}
	return page, nil
}

// fetchDriveItems calls the Graph /me/drive/root/children endpoint and
// reshapes the response into DriveItem values.
func (a *Adapter) fetchDriveItems(ctx context.Context) ([]DriveItem, error) {
	resp, err := a.client.Me().Drive().Root().Children().Get(ctx, nil)
	if err != nil {
		return nil, err
	}

	var items []DriveItem
	for _, di := range resp.GetValue() {
		item := DriveItem{}
		if id := di.GetId(); id != nil {
			item.ID = *id
		}
		if name := di.GetName(); name != nil {
			item.Name = *name
		}
		if size := di.GetSize(); size != nil {
			item.SizeBytes = *size
		}
		if file := di.GetFile(); file != nil {
			if mt := file.GetMimeType(); mt != nil {
				item.MimeType = *mt
			}
		}
		item.Folder = di.GetFolder() != nil
		if dl, ok := di.GetAdditionalData()["@microsoft.graph.downloadUrl"].(*string); ok && dl != nil {
			item.DownloadURL = *dl
		}
		if lm := di.GetLastModifiedDateTime(); lm != nil {
			item.LastModifiedAt = *lm
		}
		items = append(items, item)
	}
	return items, nil
}

// kiotaAuthProvider implements authentication.AuthenticationProvider by
// attaching a bearer token to every outgoing request.
type kiotaAuthProvider struct {
	tokenProvider *tokenProvider
}

func (p *kiotaAuthProvider) AuthenticateRequest(ctx context.Context, request *abstractions.RequestInformation, additionalAuthenticationContext map[string]interface{}) error {
	token, err := p.tokenProvider.GetAuthorizationToken(ctx, request, additionalAuthenticationContext)
	if err != nil {
		return err
	}
	request.Headers.Add("Authorization", "Bearer "+token)
	return nil
}
