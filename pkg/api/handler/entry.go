package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/capabilities-directory/internal/config"
	"github.com/hewenyu/capabilities-directory/pkg/model"
	"github.com/hewenyu/capabilities-directory/pkg/storage"
)

// AddRequest 注册请求
type AddRequest struct {
	Entry *model.Entry `json:"entry"`
	Gbids []string     `json:"gbids"`
}

// TouchRequest 刷新请求，ParticipantIDs为空时不刷新任何条目，刷新全部需使用all=true查询参数
type TouchRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
}

// RemoveResponse 删除结果
type RemoveResponse struct {
	Removed int `json:"removed"`
}

// EntryHandler 把全局目录操作暴露为HTTP接口
type EntryHandler struct {
	store  storage.GlobalStore
	gbids  []string
	known  map[string]struct{}
	logger config.Logger
}

// NewEntryHandler 创建条目处理器，gbids的第一个为本服务的默认后端
func NewEntryHandler(store storage.GlobalStore, gbids []string, logger config.Logger) *EntryHandler {
	known := make(map[string]struct{}, len(gbids))
	for _, g := range gbids {
		known[g] = struct{}{}
	}
	return &EntryHandler{
		store:  store,
		gbids:  gbids,
		known:  known,
		logger: logger,
	}
}

// resolveGbids 空后端ID替换为默认后端，遇到未知后端返回它
func (h *EntryHandler) resolveGbids(gbids []string) ([]string, string, bool) {
	if len(gbids) == 0 {
		return []string{h.gbids[0]}, "", true
	}
	out := make([]string, 0, len(gbids))
	for _, g := range gbids {
		if g == "" {
			g = h.gbids[0]
		}
		if _, ok := h.known[g]; !ok {
			return nil, g, false
		}
		out = append(out, g)
	}
	return storage.DedupeGbids(out), "", true
}

// queryGbids 解析可重复的gbid查询参数，未提供时返回nil表示不过滤
func (h *EntryHandler) queryGbids(c echo.Context) ([]string, string, bool) {
	gbids, ok := c.QueryParams()["gbid"]
	if !ok {
		return nil, "", true
	}
	return h.resolveGbids(gbids)
}

// Add 写入条目
func (h *EntryHandler) Add(c echo.Context) error {
	var req AddRequest
	if err := c.Bind(&req); err != nil {
		return failure(c, http.StatusBadRequest, CodeInvalidArgument, "请求参数无效: "+err.Error())
	}
	if req.Entry == nil {
		return failure(c, http.StatusBadRequest, CodeInvalidArgument, "条目不能为空")
	}

	gbids, unknown, ok := h.resolveGbids(req.Gbids)
	if !ok {
		return failure(c, http.StatusBadRequest, CodeUnknownGbid, "未知的后端ID: "+unknown)
	}

	if err := h.store.Add(c.Request().Context(), req.Entry, gbids); err != nil {
		h.logger.Error("写入全局条目失败", zap.String("participantId", req.Entry.ParticipantID), zap.Error(err))
		return storageFailure(c, "写入全局条目失败", err)
	}

	h.logger.Debug("全局条目已写入",
		zap.String("participantId", req.Entry.ParticipantID),
		zap.Strings("gbids", gbids))
	return success(c, "条目注册成功", nil)
}

// Remove 从所选后端删除条目
func (h *EntryHandler) Remove(c echo.Context) error {
	participantID := c.Param("participantId")
	if participantID == "" {
		return failure(c, http.StatusBadRequest, CodeInvalidArgument, "参与者ID不能为空")
	}

	gbids, unknown, ok := h.queryGbids(c)
	if !ok {
		return failure(c, http.StatusBadRequest, CodeUnknownGbid, "未知的后端ID: "+unknown)
	}
	if gbids == nil {
		gbids = []string{h.gbids[0]}
	}

	result, err := h.store.Remove(c.Request().Context(), participantID, gbids)
	if err != nil {
		return storageFailure(c, "删除全局条目失败", err)
	}
	if err := storage.RemoveResultError(participantID, gbids, result); err != nil {
		return storageFailure(c, "删除全局条目失败", err)
	}
	return success(c, "条目删除成功", RemoveResponse{Removed: result})
}

// Lookup 按域和接口名查询
func (h *EntryHandler) Lookup(c echo.Context) error {
	var domains []string
	for _, d := range c.QueryParams()["domain"] {
		if d != "" {
			domains = append(domains, d)
		}
	}
	interfaceName := c.QueryParam("interface")
	if len(domains) == 0 || interfaceName == "" {
		return failure(c, http.StatusBadRequest, CodeInvalidArgument, "domains和interface不能为空")
	}

	gbids, unknown, ok := h.queryGbids(c)
	if !ok {
		return failure(c, http.StatusBadRequest, CodeUnknownGbid, "未知的后端ID: "+unknown)
	}

	rows, err := h.store.Lookup(c.Request().Context(), domains, interfaceName)
	if err != nil {
		return storageFailure(c, "查询全局条目失败", err)
	}
	return success(c, "success", filterRows(rows, gbids))
}

// LookupByParticipantID 按参与者ID查询
func (h *EntryHandler) LookupByParticipantID(c echo.Context) error {
	participantID := c.Param("participantId")
	gbids, unknown, ok := h.queryGbids(c)
	if !ok {
		return failure(c, http.StatusBadRequest, CodeUnknownGbid, "未知的后端ID: "+unknown)
	}

	rows, err := h.store.LookupByParticipantID(c.Request().Context(), participantID)
	if err != nil {
		return storageFailure(c, "查询全局条目失败", err)
	}
	return success(c, "success", filterRows(rows, gbids))
}

// Touch 刷新某节点拥有的条目
func (h *EntryHandler) Touch(c echo.Context) error {
	ccID := c.Param("ccId")
	if ccID == "" {
		return failure(c, http.StatusBadRequest, CodeInvalidArgument, "节点ID不能为空")
	}

	var err error
	if c.QueryParam("all") == "true" {
		err = h.store.Touch(c.Request().Context(), ccID)
	} else {
		var req TouchRequest
		if c.Request().ContentLength != 0 {
			if err := c.Bind(&req); err != nil {
				return failure(c, http.StatusBadRequest, CodeInvalidArgument, "请求参数无效: "+err.Error())
			}
		}
		err = h.store.TouchSelected(c.Request().Context(), ccID, req.ParticipantIDs)
	}
	if err != nil {
		return storageFailure(c, "刷新全局条目失败", err)
	}
	return success(c, "刷新成功", nil)
}

// RemoveStale 删除某节点过期的条目
func (h *EntryHandler) RemoveStale(c echo.Context) error {
	ccID := c.Param("ccId")
	maxLastSeen, err := strconv.ParseInt(c.QueryParam("maxLastSeenDateMs"), 10, 64)
	if ccID == "" || err != nil {
		return failure(c, http.StatusBadRequest, CodeInvalidArgument, "节点ID和maxLastSeenDateMs不能为空")
	}

	removed, err := h.store.RemoveStale(c.Request().Context(), ccID, maxLastSeen)
	if err != nil {
		return storageFailure(c, "清理过期条目失败", err)
	}
	return success(c, "清理成功", RemoveResponse{Removed: removed})
}

func filterRows(rows []*model.Entry, gbids []string) []*model.Entry {
	out := make([]*model.Entry, 0, len(rows))
	if len(gbids) == 0 {
		return append(out, rows...)
	}
	wanted := make(map[string]struct{}, len(gbids))
	for _, g := range gbids {
		wanted[g] = struct{}{}
	}
	for _, row := range rows {
		if _, ok := wanted[row.Gbid]; ok {
			out = append(out, row)
		}
	}
	return out
}
