package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// 自己定義常用的權限常量
const (
	// rw-r--r-- (擁有者讀寫，其他人唯讀) - 適用於大多數檔案
	FileModeReadOnly fs.FileMode = 0644

	// rwxr-xr-x (擁有者全開，其他人可讀可執行) - 適用於目錄
	FileModeExecutable fs.FileMode = 0755

	// rw------- (只有擁有者可讀寫) - 適用於私鑰、機密檔
	FileModePrivate fs.FileMode = 0600
)

var (
	// ErrClosed WAL 已關閉
	ErrClosed = errors.New("wal: closed")
	// ErrTornWrite 寫入失敗且無法截回寫入前的長度，檔案尾端可能留有未確認的紀錄
	ErrTornWrite = errors.New("wal: torn write")
)

// WAL 以 JSON Lines 落地的 Write-Ahead Log
// 每筆紀錄一行，寫入後立即 fsync
type WAL struct {
	file *os.File
	// size 最後一筆確認寫入後的檔案長度
	size int64
	mu   sync.Mutex
}

// NewWAL 開啟或建立一個 WAL 檔案，必要時建立上層目錄
// O_RDWR讀寫模式
// O_APPEND 每次寫入時自動跳到文件末尾
// O_CREATE 如果文件不存在則建立
func NewWAL(path string) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, FileModeExecutable); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, FileModeReadOnly)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &WAL{file: file, size: info.Size()}, nil
}

// Append 寫入一筆紀錄並刷入硬碟
// 整行一次寫入，避免其他紀錄穿插；失敗時截回寫入前的長度
func (w *WAL) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ErrClosed
	}
	if _, err := w.file.Write(line); err != nil {
		return w.discardTail(err)
	}
	if err := w.file.Sync(); err != nil {
		return w.discardTail(err)
	}
	w.size += int64(len(line))
	return nil
}

func (w *WAL) discardTail(cause error) error {
	if err := w.file.Truncate(w.size); err != nil {
		return fmt.Errorf("%w: %w (truncate: %v)", ErrTornWrite, cause, err)
	}
	return cause
}

// Close 關閉檔案
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ReadAll 從頭依序讀取所有紀錄
// callback 每次收到一行完整的 JSON，這樣可以避免一次將所有資料載入記憶體
// 最後一行若沒有換行 (寫到一半當機) 視為未提交，會被截掉
func (w *WAL) ReadAll(callback func(jsonRaw []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ErrClosed
	}

	// 確保從頭讀取
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(w.file)
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			w.size = offset
			if len(line) > 0 {
				return w.file.Truncate(offset)
			}
			return nil
		}
		if err != nil {
			return err
		}
		offset += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := callback(line); err != nil {
			return err
		}
	}
}
