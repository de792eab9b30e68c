package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message/peer"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yourusername/teledm-go/internal/domain"
)

const (
	// upload.getFile offsets and limits must be multiples of this
	partAlign = 4096
	// a single upload.getFile request may not cross a 1 MiB boundary
	partWindow = 1024 * 1024
	// how many dialogs are scanned to find the access hash of a numeric chat
	dialogScanLimit = 100
)

// permanentRPCErrors are MTProto error types retrying cannot fix
var permanentRPCErrors = []string{
	"CHANNEL_PRIVATE",
	"CHANNEL_INVALID",
	"CHAT_FORBIDDEN",
	"MSG_ID_INVALID",
	"PEER_ID_INVALID",
	"USERNAME_INVALID",
	"USERNAME_NOT_OCCUPIED",
	"LOCATION_INVALID",
	"AUTH_KEY_UNREGISTERED",
	"SESSION_REVOKED",
}

var errNotAuthorized = errors.New("telegram session is not authorized")

// telegramAPI is the subset of *tg.Client the provider calls
type telegramAPI interface {
	MessagesGetMessages(ctx context.Context, id []tg.InputMessageClass) (tg.MessagesMessagesClass, error)
	ChannelsGetMessages(ctx context.Context, request *tg.ChannelsGetMessagesRequest) (tg.MessagesMessagesClass, error)
	MessagesGetDialogs(ctx context.Context, request *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error)
	UploadGetFile(ctx context.Context, request *tg.UploadGetFileRequest) (tg.UploadFileClass, error)
}

type domainResolver interface {
	ResolveDomain(ctx context.Context, domain string) (tg.InputPeerClass, error)
}

// remoteFile is a resolved document location and its metadata
type remoteFile struct {
	location *tg.InputDocumentFileLocation
	info     domain.FileInfo
}

// TelegramProvider implements domain.FileProvider over MTProto
type TelegramProvider struct {
	client   *telegram.Client
	api      telegramAPI
	resolver domainResolver
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	files map[domain.SourceRef]*remoteFile
	peers map[string]tg.InputPeerClass

	stop context.CancelFunc
	done chan error
}

// NewTelegramProvider creates a provider backed by a gotd client. The client
// is not connected until Start.
func NewTelegramProvider(config domain.TelegramConfig, logger *zap.Logger) (*TelegramProvider, error) {
	if config.AppID == 0 || config.AppHash == "" {
		return nil, &domain.ConfigError{Option: "telegram.app_id", Reason: "app_id and app_hash are required"}
	}

	client := telegram.NewClient(config.AppID, config.AppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: config.SessionPath},
		Logger:         logger.Named("mtproto"),
	})

	p := newTelegramProvider(client.API(), peer.DefaultResolver(client.API()), config, logger)
	p.client = client
	return p, nil
}

func newTelegramProvider(api telegramAPI, resolver domainResolver, config domain.TelegramConfig, logger *zap.Logger) *TelegramProvider {
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	return &TelegramProvider{
		api:      api,
		resolver: resolver,
		limiter:  rate.NewLimiter(limit, 1),
		timeout:  config.RequestTimeout,
		logger:   logger,
		files:    make(map[domain.SourceRef]*remoteFile),
		peers:    make(map[string]tg.InputPeerClass),
	}
}

// Start connects the client and checks that the stored session is logged in.
// The connection stays up until Close.
func (p *TelegramProvider) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	p.stop = cancel
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.client.Run(runCtx, func(ctx context.Context) error {
			status, err := p.client.Auth().Status(ctx)
			if err != nil {
				ready <- fmt.Errorf("failed to check auth status: %w", err)
				return err
			}
			if !status.Authorized {
				ready <- errNotAuthorized
				return errNotAuthorized
			}
			ready <- nil
			<-ctx.Done()
			return nil
		})
	}()

	select {
	case err := <-ready:
		if err != nil {
			p.Close()
			return err
		}
		p.logger.Info("Connected to Telegram")
		return nil
	case err := <-p.done:
		cancel()
		if err == nil {
			err = errors.New("telegram client exited before connecting")
		}
		return fmt.Errorf("failed to connect to telegram: %w", err)
	case <-ctx.Done():
		p.Close()
		return ctx.Err()
	}
}

// Close disconnects the client
func (p *TelegramProvider) Close() error {
	if p.stop == nil {
		return nil
	}
	p.stop()
	select {
	case err := <-p.done:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errNotAuthorized) {
			return err
		}
	case <-time.After(10 * time.Second):
		p.logger.Warn("Timed out waiting for telegram client to stop")
	}
	return nil
}

// Probe resolves the message and reports the attached document
func (p *TelegramProvider) Probe(ctx context.Context, ref domain.SourceRef) (*domain.FileInfo, error) {
	file, err := p.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	info := file.info
	return &info, nil
}

// FetchRange downloads [offset, offset+length) in as many upload.getFile
// parts as the protocol's alignment rules require. A short result means the
// end of the file was reached.
func (p *TelegramProvider) FetchRange(ctx context.Context, ref domain.SourceRef, offset, length int64) ([]byte, error) {
	file, err := p.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	parts := planParts(offset, length)
	if len(parts) == 0 {
		return nil, nil
	}
	base := parts[0].offset

	buf := make([]byte, 0, length+offset-base)
	for _, part := range parts {
		data, err := p.getPart(ctx, ref, file.location, part)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
		if len(data) < part.limit {
			break
		}
	}

	skip := offset - base
	if int64(len(buf)) <= skip {
		return nil, nil
	}
	buf = buf[skip:]
	if int64(len(buf)) > length {
		buf = buf[:length]
	}
	return buf, nil
}

func (p *TelegramProvider) getPart(ctx context.Context, ref domain.SourceRef, location *tg.InputDocumentFileLocation, part filePart) ([]byte, error) {
	var result tg.UploadFileClass
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		result, err = p.api.UploadGetFile(ctx, &tg.UploadGetFileRequest{
			Precise:  true,
			Location: location,
			Offset:   part.offset,
			Limit:    part.limit,
		})
		return err
	})
	if err != nil {
		if tgerr.Is(err, "FILE_REFERENCE_EXPIRED", "FILE_REFERENCE_INVALID") {
			// the next attempt re-reads the message for a fresh reference
			p.forget(ref)
			return nil, domain.Transient(err)
		}
		return nil, classifyRPCError(err)
	}

	switch r := result.(type) {
	case *tg.UploadFile:
		return r.Bytes, nil
	case *tg.UploadFileCDNRedirect:
		return nil, domain.Permanent(errors.New("file is served from a CDN, which is not supported"))
	default:
		return nil, domain.Transient(fmt.Errorf("unexpected upload.getFile result %T", result))
	}
}

// call rate limits one RPC and bounds it by the request timeout
func (p *TelegramProvider) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.Transient(err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (p *TelegramProvider) forget(ref domain.SourceRef) {
	p.mu.Lock()
	delete(p.files, ref)
	p.mu.Unlock()
}

func (p *TelegramProvider) resolve(ctx context.Context, ref domain.SourceRef) (*remoteFile, error) {
	p.mu.Lock()
	file, ok := p.files[ref]
	p.mu.Unlock()
	if ok {
		return file, nil
	}

	msg, err := p.message(ctx, ref)
	if err != nil {
		return nil, err
	}
	file, err = documentOf(msg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.files[ref] = file
	p.mu.Unlock()
	return file, nil
}

func (p *TelegramProvider) message(ctx context.Context, ref domain.SourceRef) (*tg.Message, error) {
	inputPeer, err := p.inputPeer(ctx, ref)
	if err != nil {
		return nil, err
	}

	ids := []tg.InputMessageClass{&tg.InputMessageID{ID: ref.MessageID}}
	var result tg.MessagesMessagesClass
	err = p.call(ctx, func(ctx context.Context) error {
		var err error
		if ch, ok := inputPeer.(*tg.InputPeerChannel); ok {
			result, err = p.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
				Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
				ID:      ids,
			})
		} else {
			result, err = p.api.MessagesGetMessages(ctx, ids)
		}
		return err
	})
	if err != nil {
		return nil, classifyRPCError(err)
	}

	var messages []tg.MessageClass
	switch r := result.(type) {
	case *tg.MessagesMessages:
		messages = r.Messages
	case *tg.MessagesMessagesSlice:
		messages = r.Messages
	case *tg.MessagesChannelMessages:
		messages = r.Messages
	}
	for _, m := range messages {
		if msg, ok := m.(*tg.Message); ok && msg.ID == ref.MessageID {
			return msg, nil
		}
	}
	return nil, domain.Permanent(fmt.Errorf("message %s not found", ref))
}

// inputPeer finds the peer a reference points at. Usernames are resolved by
// the server; numeric ids need an access hash, which is looked up among the
// account's dialogs.
func (p *TelegramProvider) inputPeer(ctx context.Context, ref domain.SourceRef) (tg.InputPeerClass, error) {
	key := ref.Chat()
	p.mu.Lock()
	cached, ok := p.peers[key]
	p.mu.Unlock()
	if ok {
		return cached, nil
	}

	var inputPeer tg.InputPeerClass
	switch {
	case ref.Username != "":
		err := p.call(ctx, func(ctx context.Context) error {
			var err error
			inputPeer, err = p.resolver.ResolveDomain(ctx, ref.Username)
			return err
		})
		if err != nil {
			return nil, classifyRPCError(err)
		}
	case ref.IsChannel():
		var err error
		inputPeer, err = p.findChannel(ctx, ref.ChannelID())
		if err != nil {
			return nil, err
		}
	default:
		// private chats and basic groups share the account's message id space
		inputPeer = &tg.InputPeerEmpty{}
	}

	p.mu.Lock()
	p.peers[key] = inputPeer
	p.mu.Unlock()
	return inputPeer, nil
}

func (p *TelegramProvider) findChannel(ctx context.Context, channelID int64) (tg.InputPeerClass, error) {
	var result tg.MessagesDialogsClass
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		result, err = p.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetPeer: &tg.InputPeerEmpty{},
			Limit:      dialogScanLimit,
		})
		return err
	})
	if err != nil {
		return nil, classifyRPCError(err)
	}

	var chats []tg.ChatClass
	switch r := result.(type) {
	case *tg.MessagesDialogs:
		chats = r.Chats
	case *tg.MessagesDialogsSlice:
		chats = r.Chats
	}
	for _, c := range chats {
		if ch, ok := c.(*tg.Channel); ok && ch.ID == channelID {
			return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, nil
		}
	}
	return nil, domain.Permanent(fmt.Errorf("channel %d is not among the account's dialogs", channelID))
}

// documentOf extracts the downloadable document from a message
func documentOf(msg *tg.Message) (*remoteFile, error) {
	media, ok := msg.Media.(*tg.MessageMediaDocument)
	if !ok {
		return nil, domain.Permanent(fmt.Errorf("message %d carries no document", msg.ID))
	}
	doc, ok := media.Document.AsNotEmpty()
	if !ok {
		return nil, domain.Permanent(fmt.Errorf("document of message %d is no longer available", msg.ID))
	}

	info := domain.FileInfo{Size: doc.Size, MimeType: doc.MimeType}
	for _, attr := range doc.Attributes {
		if name, ok := attr.(*tg.DocumentAttributeFilename); ok {
			info.SuggestedName = name.FileName
		}
	}

	return &remoteFile{
		location: &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		},
		info: info,
	}, nil
}

// classifyRPCError maps MTProto errors to transfer error kinds
func classifyRPCError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return domain.RateLimited(err, d)
	}
	if errors.Is(err, errNotAuthorized) || tgerr.Is(err, permanentRPCErrors...) {
		return domain.Permanent(err)
	}
	var te *domain.TransferError
	if errors.As(err, &te) {
		return err
	}
	return domain.Transient(err)
}

// filePart is one upload.getFile request
type filePart struct {
	offset int64
	limit  int
}

// planParts covers [offset, offset+length) with aligned requests that never
// cross a 1 MiB window. The first part may start before offset.
func planParts(offset, length int64) []filePart {
	if length <= 0 {
		return nil
	}
	end := offset + length
	if rem := end % partAlign; rem != 0 {
		end += partAlign - rem
	}

	var parts []filePart
	for pos := offset - offset%partAlign; pos < end; {
		stop := (pos/partWindow + 1) * partWindow
		if stop > end {
			stop = end
		}
		parts = append(parts, filePart{offset: pos, limit: int(stop - pos)})
		pos = stop
	}
	return parts
}
