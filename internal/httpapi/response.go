package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
)

// Result 接口返回结构：code 2000 成功，-1 失败
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
)

// list 列表结果
type list[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func newList[T any](items []T) list[T] {
	if items == nil {
		items = []T{}
	}
	return list[T]{Items: items, Total: len(items)}
}

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 20
	maxLimit     = 100
)

func respondOK[T any](w http.ResponseWriter, result T) {
	writeJSON(w, http.StatusOK, Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result})
}

// respondError 业务错误沿用 200，服务不可用、资源不存在等使用对应状态码
func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Result[any]{Code: ResultError, Type: "error", Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody 解析 JSON 请求体；空请求体视为零值
func decodeBody(r *http.Request, out any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(out)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// queryLimit 读取 limit 参数，缺省或越界时取默认值
func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > maxLimit {
		return defaultLimit
	}
	return limit
}
