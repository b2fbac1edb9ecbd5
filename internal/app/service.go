// Package app composes the protocol components into the daemon service. All
// dependencies are injected through constructors; nothing here reaches for
// ambient singletons.
package app

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"ember-chat/go-node/internal/config"
	"ember-chat/go-node/internal/destruction"
	"ember-chat/go-node/internal/exchange"
	"ember-chat/go-node/internal/identity"
	"ember-chat/go-node/internal/metrics"
	"ember-chat/go-node/internal/platform/ratelimiter"
	"ember-chat/go-node/internal/session"
	"ember-chat/go-node/internal/storage"
	"ember-chat/go-node/internal/transport"
	"ember-chat/go-node/pkg/models"
)

var ErrAlreadyStarted = errors.New("service already started")

const notificationBacklog = 256

type Options struct {
	Config     config.Config
	Backend    transport.Backend
	Log        *slog.Logger
	Registerer prometheus.Registerer
}

// Service owns the wired protocol stack and exposes the operations the
// presentation layer drives.
type Service struct {
	cfg       config.Config
	log       *slog.Logger
	backend   transport.Backend
	ids       *identity.Manager
	idStore   *storage.IdentityStore
	contacts  *storage.ContactStore
	messages  *storage.MessageStore
	envelopes *storage.EnvelopeStore
	ctrl      *session.Controller
	exchange  *exchange.Exchange
	destroyer *destruction.Coordinator
	hub       *NotificationHub
	metrics   *metrics.Metrics

	mu          sync.Mutex
	registered  bool
	sweepCancel context.CancelFunc
}

// NewService builds the full stack on top of the given transport backend.
// Stores live under cfg.DataDir, sealed when cfg.StorePassphrase is set.
func NewService(opts Options) (*Service, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	dir := opts.Config.DataDir
	secret := opts.Config.StorePassphrase
	idStore, err := storage.NewPersistentIdentityStore(filepath.Join(dir, "identity.json"), secret)
	if err != nil {
		return nil, err
	}
	contacts, err := storage.NewPersistentContactStore(filepath.Join(dir, "contacts.json"), secret)
	if err != nil {
		return nil, err
	}
	messages, err := storage.NewPersistentMessageStore(filepath.Join(dir, "messages.json"), secret)
	if err != nil {
		return nil, err
	}
	envelopes, err := storage.NewPersistentEnvelopeStore(filepath.Join(dir, "envelopes.json"), secret)
	if err != nil {
		return nil, err
	}

	m := metrics.New(opts.Registerer)
	hub := NewNotificationHub(notificationBacklog)
	ids := identity.NewManager()

	ctrl := session.NewController(session.Config{
		Identity:       ids,
		IdentityStore:  idStore,
		Contacts:       contacts,
		Backend:        opts.Backend,
		Notifier:       hub,
		Metrics:        m,
		Log:            log,
		ConnectTimeout: opts.Config.ConnectTimeout,
		WaitBudget:     opts.Config.WaitBudget,
		PollEvery:      opts.Config.PollInterval,
	})
	destroyer := destruction.New(destruction.Config{
		Identity:      ids,
		IdentityStore: idStore,
		Contacts:      contacts,
		Messages:      messages,
		Envelopes:     envelopes,
		Controller:    ctrl,
		Notifier:      hub,
		Metrics:       m,
		Log:           log,
	})
	x := exchange.New(exchange.Config{
		Identity:   ids,
		Contacts:   contacts,
		Messages:   messages,
		Envelopes:  envelopes,
		Controller: ctrl,
		Destructor: destroyer,
		Notifier:   hub,
		Metrics:    m,
		Log:        log,
		Limiter:    ratelimiter.New(opts.Config.Limits.FramesPerSecond, opts.Config.Limits.Burst, 0),
		SweepEvery: opts.Config.SweepInterval,
	})

	return &Service{
		cfg:       opts.Config,
		log:       log,
		backend:   opts.Backend,
		ids:       ids,
		idStore:   idStore,
		contacts:  contacts,
		messages:  messages,
		envelopes: envelopes,
		ctrl:      ctrl,
		exchange:  x,
		destroyer: destroyer,
		hub:       hub,
		metrics:   m,
	}, nil
}

// Start activates the persisted identity (or mints a first one), claims the
// transport address and starts the expiry sweeper.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered {
		return ErrAlreadyStarted
	}

	stored, ok, err := s.idStore.Get()
	if err != nil {
		return err
	}
	if ok {
		if err := s.ids.Load(stored); err != nil {
			return err
		}
	} else {
		id, _, err := s.ids.Generate()
		if err != nil {
			return err
		}
		if err := s.idStore.Save(id); err != nil {
			return err
		}
		s.log.Info("first-run identity generated", "peer_id", id.PeerID)
	}

	if err := s.ctrl.Register(s.exchange); err != nil {
		return err
	}
	s.registered = true

	sweepCtx, cancel := context.WithCancel(ctx)
	s.sweepCancel = cancel
	go s.exchange.RunSweeper(sweepCtx)

	s.log.Info("service started", "peer_id", s.ids.PeerID())
	return nil
}

// Stop ends the sweeper and tears down all sessions.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sweepCancel != nil {
		s.sweepCancel()
		s.sweepCancel = nil
	}
	if s.registered {
		s.ctrl.Shutdown()
		s.registered = false
	}
}

// GenerateIdentity replaces the active identity with a fresh one and rebinds
// the transport address. The returned mnemonic is shown once and never
// stored.
func (s *Service) GenerateIdentity() (models.Identity, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldPeerID := s.ids.PeerID()
	id, mnemonic, err := s.ids.Generate()
	if err != nil {
		return models.Identity{}, "", err
	}
	if err := s.idStore.Save(id); err != nil {
		return models.Identity{}, "", err
	}
	if s.registered {
		if oldPeerID != "" {
			s.backend.Deregister(oldPeerID)
		}
		if err := s.ctrl.Register(s.exchange); err != nil {
			return models.Identity{}, "", err
		}
	}
	return id, mnemonic, nil
}

// ImportIdentity restores an identity from its recovery phrase.
func (s *Service) ImportIdentity(mnemonic string) (models.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldPeerID := s.ids.PeerID()
	id, err := s.ids.Import(mnemonic)
	if err != nil {
		return models.Identity{}, err
	}
	if err := s.idStore.Save(id); err != nil {
		return models.Identity{}, err
	}
	if s.registered {
		if oldPeerID != "" {
			s.backend.Deregister(oldPeerID)
		}
		if err := s.ctrl.Register(s.exchange); err != nil {
			return models.Identity{}, err
		}
	}
	return id, nil
}

func (s *Service) Identity() (models.Identity, bool) {
	return s.ids.Identity()
}

func (s *Service) ConnectToPeer(ctx context.Context, peerID string) error {
	return s.ctrl.Connect(ctx, peerID)
}

// SendMessage sends text to a verified peer, as a self-destruct message when
// requested. Blocks up to the readiness budget while the handshake settles.
func (s *Service) SendMessage(ctx context.Context, peerID, text string, selfDestruct bool, ttlHours float64) (models.Message, error) {
	if !selfDestruct {
		return s.exchange.Send(ctx, peerID, text)
	}
	messageID, err := s.exchange.SendSelfDestruct(ctx, peerID, text, ttlHours)
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{
		ID:             messageID,
		ContactID:      peerID,
		Direction:      models.DirectionSent,
		IsSelfDestruct: true,
		SelfDestructID: messageID,
	}, nil
}

func (s *Service) DecryptSelfDestruct(messageID string) (models.Message, error) {
	return s.exchange.DecryptSelfDestruct(messageID)
}

func (s *Service) DestroyContact(ctx context.Context, peerID string) error {
	return s.destroyer.DestroyContact(ctx, peerID)
}

// DestroyEverything wipes the node. The service is unusable afterward until a
// new identity is generated.
func (s *Service) DestroyEverything(ctx context.Context) error {
	s.mu.Lock()
	s.registered = false
	s.mu.Unlock()
	return s.destroyer.DestroyEverything(ctx)
}

func (s *Service) Contacts() []models.Contact {
	contacts := s.contacts.All()
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].PeerID < contacts[j].PeerID })
	return contacts
}

func (s *Service) Messages(peerID string) []models.Message {
	return s.messages.ListByContact(peerID)
}

// Subscribe attaches a notification listener, replaying history after
// fromSeq.
func (s *Service) Subscribe(fromSeq int64) ([]Event, <-chan Event, func()) {
	return s.hub.Subscribe(fromSeq)
}
