// Package play implements the game operations exposed to players: start a
// game, ask a question, guess, reveal, and check whether a game is still
// alive.
//
// The session pointer only tells the service which game a browser claims to
// be playing. Every operation re-checks the game store before trusting it.
package play

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/spoilerguess/internal/apperr"
	"github.com/MrWong99/spoilerguess/internal/catalog"
	"github.com/MrWong99/spoilerguess/internal/game"
	"github.com/MrWong99/spoilerguess/internal/guess"
	"github.com/MrWong99/spoilerguess/internal/observe"
	"github.com/MrWong99/spoilerguess/internal/prompt"
	"github.com/MrWong99/spoilerguess/internal/retrieval"
	"github.com/MrWong99/spoilerguess/internal/session"
	"github.com/MrWong99/spoilerguess/pkg/arc"
	"github.com/MrWong99/spoilerguess/pkg/provider/llm"
)

// Defaults for [Config].
const (
	DefaultWelcomeMessage = "I'm thinking of a One Piece character. Ask me yes/no questions, then take a guess!"
	DefaultLockTTL        = 45 * time.Second
	DefaultMaxQuestionLen = 500

	// lockMargin covers the store round trips around a turn's two bounded
	// calls.
	lockMargin = 15 * time.Second
)

// TurnLockTTL returns a lock TTL that outlives a question turn whose
// retrieval and model call are bounded by retrievalTimeout and modelTimeout.
// The result is never below [DefaultLockTTL].
func TurnLockTTL(retrievalTimeout, modelTimeout time.Duration) time.Duration {
	return max(retrievalTimeout+modelTimeout+lockMargin, DefaultLockTTL)
}

// Retriever returns spoiler-safe context for a question.
type Retriever interface {
	Context(ctx context.Context, entityID, question string, forbidden arc.Set) (retrieval.Context, error)
}

// Querier sends a prompt to the model on behalf of identifier.
type Querier interface {
	Query(ctx context.Context, messages []llm.Message, identifier string) (string, error)
}

// Config tunes a [Service]. Zero values use the defaults.
type Config struct {
	WelcomeMessage string
	// LockTTL bounds how long one turn may hold its game's lock.
	LockTTL        time.Duration
	MaxQuestionLen int
}

func (c *Config) applyDefaults() {
	if c.WelcomeMessage == "" {
		c.WelcomeMessage = DefaultWelcomeMessage
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.MaxQuestionLen <= 0 {
		c.MaxQuestionLen = DefaultMaxQuestionLen
	}
}

// Deps are the collaborators of a [Service]. All are required except
// Metrics and Matcher.
type Deps struct {
	Games     game.Backend
	Sessions  session.Store
	Pool      *catalog.Pool
	Prompts   *prompt.Builder
	Retriever Retriever
	Gateway   Querier
	Matcher   *guess.Matcher
	Metrics   *observe.Metrics
}

// Service runs games. It is safe for concurrent use.
type Service struct {
	games     game.Backend
	sessions  session.Store
	pool      *catalog.Pool
	arcs      *arc.Catalog
	prompts   *prompt.Builder
	retriever Retriever
	gateway   Querier
	matcher   *guess.Matcher
	metrics   *observe.Metrics
	cfg       Config
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for game creation times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a Service.
func New(d Deps, cfg Config, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		games:     d.Games,
		sessions:  d.Sessions,
		pool:      d.Pool,
		arcs:      d.Pool.Arcs(),
		prompts:   d.Prompts,
		retriever: d.Retriever,
		gateway:   d.Gateway,
		matcher:   d.Matcher,
		metrics:   d.Metrics,
		cfg:       cfg,
		now:       time.Now,
	}
	if s.matcher == nil {
		s.matcher = guess.New()
	}
	if s.prompts == nil {
		s.prompts = prompt.DefaultBuilder()
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StartRequest selects the pool a game's target is drawn from.
type StartRequest struct {
	Arc             string  `json:"arc"`
	FillerRatio     float64 `json:"fillerRatio"`
	IncludeNonCanon bool    `json:"includeNonCanon"`
	Difficulty      string  `json:"difficulty"`
	IncludeUnrated  bool    `json:"includeUnrated"`
}

// StartResponse is the new game and the characters it was drawn from.
type StartResponse struct {
	GameID        string          `json:"gameId"`
	CharacterPool []catalog.Basic `json:"characterPool"`
}

// Answer is the model's reply to a question.
type Answer struct {
	Answer         string `json:"answer"`
	QuestionsAsked int    `json:"questionsAsked"`
}

// GuessResult reports a guess. The character and counters are only set when
// the guess was correct.
type GuessResult struct {
	IsCorrect      bool               `json:"isCorrect"`
	Character      *catalog.Character `json:"character,omitempty"`
	QuestionsAsked *int               `json:"questionsAsked,omitempty"`
	GuessesMade    *int               `json:"guessesMade,omitempty"`
}

// RevealResult is the target of an abandoned game.
type RevealResult struct {
	Character      catalog.Character `json:"character"`
	QuestionsAsked int               `json:"questionsAsked"`
	GuessesMade    int               `json:"guessesMade"`
}

// Message is a transcript entry as shown to the player.
type Message struct {
	ID        int       `json:"id"`
	Text      string    `json:"text"`
	IsUser    bool      `json:"isUser"`
	Timestamp time.Time `json:"timestamp"`
}

// Validation tells a client whether its game is still playable.
type Validation struct {
	IsValid  bool      `json:"isValid"`
	Messages []Message `json:"messages"`
}

// SessionInfo is the player's current session state.
type SessionInfo struct {
	Horizon string `json:"horizon"`
	GameID  string `json:"gameId,omitempty"`
}

// StartGame picks a target for req, creates the game and points the session
// at it. A game the session was previously playing is abandoned.
func (s *Service) StartGame(ctx context.Context, sid string, req StartRequest) (StartResponse, error) {
	const op = "play.StartGame"
	ctx, span := observe.StartSpan(ctx, op)
	defer span.End()

	horizon := strings.TrimSpace(req.Arc)
	if arc.IsAll(horizon) {
		horizon = arc.All
	}
	if !s.arcs.Valid(horizon) {
		return StartResponse{}, apperr.Validation(op, "unknown arc %q", req.Arc)
	}
	forbidden, err := s.arcs.Forbidden(horizon)
	if err != nil {
		return StartResponse{}, apperr.Validation(op, "%v", err)
	}

	target, pool, err := s.pool.Choose(ctx, catalog.Selection{
		Horizon:         horizon,
		Difficulty:      req.Difficulty,
		IncludeUnrated:  req.IncludeUnrated,
		IncludeNonCanon: req.IncludeNonCanon,
		FillerRatio:     req.FillerRatio,
	})
	if err != nil {
		return StartResponse{}, err
	}

	system, err := s.prompts.GamePrompt(target, forbidden)
	if err != nil {
		return StartResponse{}, apperr.Wrap(apperr.KindServiceUnavailable, op, err)
	}

	g := game.Game{
		ID:           ulid.Make().String(),
		Target:       target,
		SystemPrompt: system,
		Settings: game.Settings{
			Arc:             horizon,
			Difficulty:      req.Difficulty,
			FillerRatio:     req.FillerRatio,
			IncludeNonCanon: req.IncludeNonCanon,
			IncludeUnrated:  req.IncludeUnrated,
		},
		CreatedAt: s.now().UTC(),
	}
	if err := s.games.Create(ctx, g, s.cfg.WelcomeMessage); err != nil {
		return StartResponse{}, err
	}

	if prev, err := s.sessions.Get(ctx, sid); err == nil && prev.GameID != "" && prev.GameID != g.ID {
		if err := s.games.Delete(ctx, prev.GameID); err != nil {
			observe.Logger(ctx).Warn("abandon previous game", "game_id", prev.GameID, "err", err)
		}
	}
	if err := s.sessions.SetHorizon(ctx, sid, horizon); err != nil {
		return StartResponse{}, err
	}
	if err := s.sessions.SetGame(ctx, sid, g.ID); err != nil {
		return StartResponse{}, err
	}

	span.SetAttributes(attribute.String(observe.GameIDKey, g.ID), attribute.String("game.horizon", horizon))
	if s.metrics != nil {
		s.metrics.GamesStarted.Add(ctx, 1, metric.WithAttributes(observe.Attr("horizon", horizon)))
	}
	observe.Logger(ctx).Info("game started",
		"game_id", g.ID, "session_id", sid, "horizon", horizon, "pool", len(pool), "forbidden_arcs", forbidden.Len())
	return StartResponse{GameID: g.ID, CharacterPool: pool}, nil
}

// AskQuestion answers question about the game's target. The question and
// answer are recorded only once the model has replied, so a failed or
// rate-limited call leaves the game untouched.
func (s *Service) AskQuestion(ctx context.Context, sid, gameID, question string) (Answer, error) {
	const op = "play.AskQuestion"
	ctx, span := observe.StartGameSpan(ctx, op, gameID)
	defer span.End()

	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, apperr.Validation(op, "question is empty")
	}
	if n := len([]rune(question)); n > s.cfg.MaxQuestionLen {
		return Answer{}, apperr.Validation(op, "question has %d characters, the limit is %d", n, s.cfg.MaxQuestionLen)
	}

	unlock, g, err := s.begin(ctx, op, sid, gameID)
	if err != nil {
		return Answer{}, err
	}
	defer unlock()

	forbidden, err := s.arcs.Forbidden(g.Settings.Arc)
	if err != nil {
		return Answer{}, apperr.Wrap(apperr.KindInvalidState, op, err)
	}
	prior, err := s.games.Memory(ctx, gameID)
	if err != nil {
		return Answer{}, err
	}
	rc, err := s.retriever.Context(ctx, g.Target.ID, question, forbidden)
	if err != nil {
		return Answer{}, err
	}

	reply, err := s.gateway.Query(ctx, prompt.DynamicPrompt(g.SystemPrompt, rc, prior, question), sid)
	if err != nil {
		return Answer{}, err
	}

	if _, err := s.games.Append(ctx, gameID, game.Entry{Text: question, IsUser: true, AddToContext: true}); err != nil {
		return Answer{}, err
	}
	if _, err := s.games.Append(ctx, gameID, game.Entry{Text: reply, AddToContext: true}); err != nil {
		return Answer{}, err
	}

	if s.metrics != nil {
		s.metrics.QuestionsAnswered.Add(ctx, 1)
	}
	observe.Logger(ctx).Debug("question answered",
		"facts", len(rc.Facts), "decoys", len(rc.Decoys), "prior_turns", len(prior))
	return Answer{Answer: reply, QuestionsAsked: g.QuestionsAsked + 1}, nil
}

// MakeGuess checks guessText against the target. A correct guess ends the
// game; an incorrect one is noted in the transcript without reaching the
// model's memory.
func (s *Service) MakeGuess(ctx context.Context, sid, gameID, guessText string) (GuessResult, error) {
	const op = "play.MakeGuess"
	ctx, span := observe.StartGameSpan(ctx, op, gameID)
	defer span.End()

	guessText = strings.TrimSpace(guessText)
	if guessText == "" {
		return GuessResult{}, apperr.Validation(op, "guess is empty")
	}

	unlock, g, err := s.begin(ctx, op, sid, gameID)
	if err != nil {
		return GuessResult{}, err
	}
	defer unlock()

	guesses, err := s.games.IncrementGuesses(ctx, gameID)
	if err != nil {
		return GuessResult{}, err
	}
	match, correct := s.matcher.Is(guessText, g.Target)
	if s.metrics != nil {
		s.metrics.RecordGuess(ctx, correct)
	}

	if !correct {
		for _, e := range []game.Entry{
			{Text: guessText, IsUser: true},
			{Text: "Nope, it's not " + guessText + ". Keep asking!"},
		} {
			if _, err := s.games.Append(ctx, gameID, e); err != nil {
				return GuessResult{}, err
			}
		}
		return GuessResult{IsCorrect: false}, nil
	}

	s.end(ctx, sid, gameID, "win")
	observe.Logger(ctx).Info("game won",
		"questions", g.QuestionsAsked, "guesses", guesses, "match_score", match.Score)
	target := g.Target
	questions := g.QuestionsAsked
	return GuessResult{
		IsCorrect:      true,
		Character:      &target,
		QuestionsAsked: &questions,
		GuessesMade:    &guesses,
	}, nil
}

// Reveal gives up on the game and returns its target.
func (s *Service) Reveal(ctx context.Context, sid, gameID string) (RevealResult, error) {
	const op = "play.Reveal"
	ctx, span := observe.StartGameSpan(ctx, op, gameID)
	defer span.End()

	unlock, g, err := s.begin(ctx, op, sid, gameID)
	if err != nil {
		return RevealResult{}, err
	}
	defer unlock()

	s.end(ctx, sid, gameID, "reveal")
	return RevealResult{Character: g.Target, QuestionsAsked: g.QuestionsAsked, GuessesMade: g.GuessesCount}, nil
}

// ValidateSession reports whether gameID is the session's live game and, if
// so, returns its transcript. A dead or foreign game is not an error.
func (s *Service) ValidateSession(ctx context.Context, sid, gameID string) (Validation, error) {
	const op = "play.ValidateSession"
	if _, err := s.check(ctx, op, sid, gameID); err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindNotFound, apperr.KindInvalidState, apperr.KindValidation:
			return Validation{IsValid: false, Messages: []Message{}}, nil
		}
		return Validation{}, err
	}
	msgs, err := s.games.Messages(ctx, gameID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return Validation{IsValid: false, Messages: []Message{}}, nil
		}
		return Validation{}, err
	}
	return Validation{
		IsValid: true,
		Messages: lo.Map(msgs, func(m game.Message, _ int) Message {
			return Message{ID: m.ID, Text: m.Text, IsUser: m.IsUser, Timestamp: m.Timestamp}
		}),
	}, nil
}

// Session returns the session's horizon and live game, if any.
func (s *Service) Session(ctx context.Context, sid string) (SessionInfo, error) {
	p, err := s.sessions.Get(ctx, sid)
	if errors.Is(err, session.ErrNotFound) {
		return SessionInfo{Horizon: arc.All}, nil
	}
	if err != nil {
		return SessionInfo{}, err
	}
	info := SessionInfo{Horizon: p.Horizon, GameID: p.GameID}
	if info.Horizon == "" {
		info.Horizon = arc.All
	}
	if p.GameID != "" {
		ok, err := s.games.Exists(ctx, p.GameID)
		if err != nil {
			return SessionInfo{}, err
		}
		if !ok {
			info.GameID = ""
			if err := s.sessions.ClearGame(ctx, sid, p.GameID); err != nil {
				observe.Logger(ctx).Warn("clear expired game from session", "session_id", sid, "err", err)
			}
		}
	}
	return info, nil
}

// check confirms that gameID is the session's game and that it still exists.
func (s *Service) check(ctx context.Context, op, sid, gameID string) (session.Pointer, error) {
	if strings.TrimSpace(gameID) == "" {
		return session.Pointer{}, apperr.Validation(op, "game id is empty")
	}
	p, err := s.sessions.Get(ctx, sid)
	if errors.Is(err, session.ErrNotFound) {
		return session.Pointer{}, apperr.New(apperr.KindInvalidState, op, "session has no game")
	}
	if err != nil {
		return session.Pointer{}, err
	}
	if p.GameID != gameID {
		return session.Pointer{}, apperr.New(apperr.KindInvalidState, op, "game does not belong to this session")
	}
	ok, err := s.games.Exists(ctx, gameID)
	if err != nil {
		return session.Pointer{}, err
	}
	if !ok {
		if err := s.sessions.ClearGame(ctx, sid, gameID); err != nil {
			observe.Logger(ctx).Warn("clear expired game from session", "session_id", sid, "err", err)
		}
		return session.Pointer{}, apperr.NotFound(op, gameID)
	}
	return p, nil
}

// begin validates the session, takes the game's lock and loads the game.
func (s *Service) begin(ctx context.Context, op, sid, gameID string) (func(), game.Game, error) {
	if _, err := s.check(ctx, op, sid, gameID); err != nil {
		return nil, game.Game{}, err
	}
	unlock, err := s.games.Lock(ctx, gameID, s.cfg.LockTTL)
	if err != nil {
		return nil, game.Game{}, err
	}
	g, err := s.games.Get(ctx, gameID)
	if err != nil {
		unlock()
		return nil, game.Game{}, err
	}
	return unlock, g, nil
}

// end deletes the game and clears it from the session. Failures are logged;
// the game expires on its own.
func (s *Service) end(ctx context.Context, sid, gameID, outcome string) {
	if err := s.games.Delete(ctx, gameID); err != nil {
		observe.Logger(ctx).Warn("delete finished game", "err", err)
	}
	if err := s.sessions.ClearGame(ctx, sid, gameID); err != nil {
		observe.Logger(ctx).Warn("clear finished game from session", "session_id", sid, "err", err)
	}
	if s.metrics != nil {
		s.metrics.RecordGameEnded(ctx, outcome)
	}
}
