package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/MrWong99/spoilerguess/internal/apperr"
	"github.com/MrWong99/spoilerguess/internal/observe"
	"github.com/MrWong99/spoilerguess/internal/play"
	"github.com/MrWong99/spoilerguess/internal/session"
)

type handler struct {
	game Game
}

type errorBody struct {
	Error string `json:"error"`
}

type questionReq struct {
	Question string `json:"question"`
}

type guessReq struct {
	Guess string `json:"guess"`
}

func (h *handler) startGame(c *gin.Context) {
	var req play.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("httpapi.startGame", "malformed JSON body"))
		return
	}
	resp, err := h.game.StartGame(c.Request.Context(), session.ID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *handler) askQuestion(c *gin.Context) {
	var req questionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("httpapi.askQuestion", "malformed JSON body"))
		return
	}
	ans, err := h.game.AskQuestion(c.Request.Context(), session.ID(c), c.Param("id"), req.Question)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ans)
}

func (h *handler) makeGuess(c *gin.Context) {
	var req guessReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.Validation("httpapi.makeGuess", "malformed JSON body"))
		return
	}
	res, err := h.game.MakeGuess(c.Request.Context(), session.ID(c), c.Param("id"), req.Guess)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) reveal(c *gin.Context) {
	res, err := h.game.Reveal(c.Request.Context(), session.ID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) validateSession(c *gin.Context) {
	v, err := h.game.ValidateSession(c.Request.Context(), session.ID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *handler) session(c *gin.Context) {
	info, err := h.game.Session(c.Request.Context(), session.ID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// fail writes err as a JSON error with the status of its kind. Internal
// details are logged, never sent.
func fail(c *gin.Context, err error) {
	status := apperr.Status(err)
	log := observe.Logger(c.Request.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "route", c.FullPath(), "status", status, "err", err)
	} else {
		log.Debug("request rejected", "route", c.FullPath(), "status", status, "err", err)
	}

	if status == http.StatusTooManyRequests {
		if d := apperr.RetryAfter(err); d > 0 {
			c.Header("Retry-After", strconv.Itoa(apperr.RetrySeconds(d)))
		}
	}
	c.AbortWithStatusJSON(status, errorBody{Error: apperr.UserMessage(err)})
}
