package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/story-engine/internal/common"
	"github.com/suPer8Hu/story-engine/internal/story"
)

// ChildAbilities serves ?period=day|week|month, or an explicit ?since=&until= window in RFC 3339.
func (h *Handler) ChildAbilities(c *gin.Context) {
	childID, err := strconv.ParseUint(c.Param("child_id"), 10, 64)
	if err != nil || childID == 0 {
		common.Fail(c, http.StatusBadRequest, 40001, "invalid child id")
		return
	}

	since, until := c.Query("since"), c.Query("until")
	if since == "" && until == "" {
		o, err := h.Story.PeriodOverview(c.Request.Context(), childID, c.Query("period"))
		if err != nil {
			h.failErr(c, err)
			return
		}
		common.OK(c, o)
		return
	}

	w := story.Window{Until: time.Now()}
	if since != "" {
		if w.Since, err = time.Parse(time.RFC3339, since); err != nil {
			common.Fail(c, http.StatusBadRequest, 40001, "invalid since")
			return
		}
	}
	if until != "" {
		if w.Until, err = time.Parse(time.RFC3339, until); err != nil {
			common.Fail(c, http.StatusBadRequest, 40001, "invalid until")
			return
		}
	}

	o, err := h.Story.ChildAbilities(c.Request.Context(), childID, w)
	if err != nil {
		h.failErr(c, err)
		return
	}
	common.OK(c, o)
}
