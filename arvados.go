// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

const (
	runtimeImage = "genematrix-runtime"
	binaryName   = "genematrix"
	outputMount  = "/mnt/output"
)

var pollInterval = 5 * time.Second

// mount is one entry of a container request's "mounts" map.
type mount map[string]interface{}

// arvadosContainerRunner runs one genematrix subcommand in an Arvados
// container, with input collections mounted under /mnt and output
// collected from /mnt/output.
type arvadosContainerRunner struct {
	Client      *arvados.Client
	Name        string
	ProjectUUID string
	VCPUs       int
	RAM         int64
	Args        []string
	Mounts      map[string]mount
	Priority    int
}

// keep cache buffers per VCPU
const keepCacheBuffers = 2

func (runner *arvadosContainerRunner) Run() (string, error) {
	return runner.RunContext(context.Background())
}

// RunContext submits a container request, waits for it to finish
// (relaying its stderr log), and returns the output collection UUID.
// Cancelling ctx sets the request's priority to 0.
func (runner *arvadosContainerRunner) RunContext(ctx context.Context) (string, error) {
	if runner.ProjectUUID == "" {
		return "", errors.New("cannot run arvados container: -project not provided")
	}
	cmdUUID, err := runner.uploadBinary()
	if err != nil {
		return "", err
	}
	body := runner.requestBody(cmdUUID)
	var cr arvados.ContainerRequest
	err = runner.Client.RequestAndDecodeContext(ctx, &cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": body,
	})
	if err != nil {
		return "", err
	}
	log.WithField("uuid", cr.UUID).Info("submitted container request")

	err = runner.wait(ctx, &cr)
	if err != nil {
		return "", err
	}
	var ctr arvados.Container
	err = runner.Client.RequestAndDecodeContext(ctx, &ctr, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	}
	switch {
	case ctr.State != arvados.ContainerStateComplete:
		return "", fmt.Errorf("container %s did not complete: %s", ctr.UUID, ctr.State)
	case ctr.ExitCode != 0:
		return "", fmt.Errorf("container %s exited %d", ctr.UUID, ctr.ExitCode)
	}
	return cr.OutputUUID, nil
}

// requestBody returns the container request attributes for running
// the binary stored in collection cmdUUID.
func (runner *arvadosContainerRunner) requestBody(cmdUUID string) map[string]interface{} {
	mounts := map[string]mount{
		outputMount: {"kind": "collection", "writable": true},
		"/mnt/cmd":  {"kind": "collection", "uuid": cmdUUID},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}
	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	rc := arvados.RuntimeConstraints{
		VCPUs:        runner.VCPUs,
		RAM:          runner.RAM,
		KeepCacheRAM: (1 << 26) * keepCacheBuffers * int64(runner.VCPUs),
	}
	return map[string]interface{}{
		"owner_uuid":          runner.ProjectUUID,
		"name":                runner.Name,
		"container_image":     runtimeImage,
		"command":             append([]string{"/mnt/cmd/" + binaryName}, runner.Args...),
		"mounts":              mounts,
		"use_existing":        true,
		"output_path":         outputMount,
		"runtime_constraints": rc,
		"priority":            priority,
		"state":               arvados.ContainerRequestStateCommitted,
		"environment": map[string]string{
			"GOMAXPROCS": fmt.Sprintf("%d", rc.VCPUs),
		},
		"container_count_max": 1,
	}
}

// wait polls cr until it is final, logging state changes and relaying
// the container's stderr.
func (runner *arvadosContainerRunner) wait(ctx context.Context, cr *arvados.ContainerRequest) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var logOffset int64
	lastState := cr.State
	for cr.State != arvados.ContainerRequestStateFinal {
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{
					"priority": 0,
				},
			})
			if err != nil {
				log.Errorf("error cancelling container request %s: %s", cr.UUID, err)
			}
			return ctx.Err()
		case <-ticker.C:
		}
		err := runner.Client.RequestAndDecodeContext(ctx, cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		if err != nil {
			log.Warnf("error getting container request %s: %s", cr.UUID, err)
			continue
		}
		if cr.State != lastState {
			log.WithField("uuid", cr.UUID).Infof("container request state: %s", cr.State)
			lastState = cr.State
		}
		if cr.ContainerUUID != "" {
			logOffset = runner.relayLog(ctx, cr, logOffset)
		}
	}
	return nil
}

// relayLog copies complete lines of the container's stderr log,
// starting at byte offset, to our own log. It returns the offset
// just past the last line copied.
func (runner *arvadosContainerRunner) relayLog(ctx context.Context, cr *arvados.ContainerRequest, offset int64) int64 {
	url := "https://" + runner.Client.APIHost + "/arvados/v1/container_requests/" + cr.UUID + "/log/" + cr.ContainerUUID + "/stderr.txt"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		log.Errorf("error preparing log request: %s", err)
		return offset
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	resp, err := runner.Client.Do(req)
	if err != nil {
		log.Errorf("error getting container log: %s", err)
		return offset
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound && offset == 0,
		resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// nothing logged yet / nothing new
		return offset
	case resp.StatusCode >= 300:
		log.Errorf("error getting container log: %s", resp.Status)
		return offset
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Errorf("error reading container log: %s", err)
		return offset
	}
	lines, n := completeLines(buf)
	for _, line := range lines {
		log.Print(line)
	}
	return offset + int64(n)
}

// completeLines splits the newline-terminated lines out of buf,
// skipping empty ones, and returns the number of bytes consumed.
func completeLines(buf []byte) (lines []string, n int) {
	for {
		eol := bytes.IndexByte(buf[n:], '\n')
		if eol < 0 {
			return
		}
		if eol > 0 {
			lines = append(lines, string(buf[n:n+eol]))
		}
		n += eol + 1
	}
}

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

// TranslatePaths rewrites each path that refers to a file in a
// collection (".../<uuid-or-pdh>/file") as the corresponding path
// under /mnt in the container, and adds a mount for the collection.
// Empty paths and "-" are left alone.
func (runner *arvadosContainerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = make(map[string]mount)
	}
	for _, path := range paths {
		if *path == "" || *path == "-" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find collection uuid or portable data hash in path %q", *path)
		}
		coll := m[2]
		mntPath := "/mnt/" + coll
		if _, ok := runner.Mounts[mntPath]; !ok {
			if len(coll) == 27 {
				runner.Mounts[mntPath] = mount{"kind": "collection", "uuid": coll}
			} else {
				runner.Mounts[mntPath] = mount{"kind": "collection", "portable_data_hash": coll}
			}
		}
		*path = mntPath + m[3]
	}
	return nil
}

var uploadBinaryMtx sync.Mutex

// uploadBinary saves the running executable in a collection in the
// output project, reusing an earlier upload with the same name and
// blake2b hash, and returns the collection UUID.
func (runner *arvadosContainerRunner) uploadBinary() (string, error) {
	uploadBinaryMtx.Lock()
	defer uploadBinaryMtx.Unlock()
	exe, err := os.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	hash := fmt.Sprintf("%x", blake2b.Sum256(exe))
	cname := binaryName + " " + cmd.Version.String()
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: cname},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: hash},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		log.Infof("using %s binary in existing collection %s", binaryName, existing.Items[0].UUID)
		return existing.Items[0].UUID, nil
	}

	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, keepclient.New(ac))
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile(binaryName, os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	_, err = f.Write(exe)
	if err == nil {
		err = f.Close()
	}
	if err != nil {
		return "", fmt.Errorf("writing %s to collection: %w", binaryName, err)
	}
	manifest, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": manifest,
			"name":          cname,
			"properties":    map[string]interface{}{"blake2b": hash},
		},
	})
	if err != nil {
		return "", err
	}
	log.Infof("stored %s binary in new collection %s", binaryName, coll.UUID)
	return coll.UUID, nil
}

// zopen opens fnm with open, decompressing it if the name ends in
// ".gz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: gzip: %w", fnm, err)
	}
	return gzipr{rdr, f}, nil
}

// gzipr closes both the decompressor and the underlying file.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

type file interface {
	io.ReadCloser
	io.Seeker
}

var (
	keepClient *keepclient.KeepClient
	siteFS     arvados.CustomFileSystem
	siteFSMtx  sync.Mutex
)

// open opens a local file, or, if ARVADOS_API_HOST is set and the
// path names a collection, reads it through the Arvados API instead
// of arv-mount.
func open(fnm string) (file, error) {
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	siteFSMtx.Lock()
	defer siteFSMtx.Unlock()
	fs, err := keepFS()
	if err != nil {
		return nil, err
	}
	log.Infof("reading %q from %s using Arvados client", m[3], m[2])
	f, err := fs.Open("by_id/" + m[2] + m[3])
	if err != nil {
		return nil, err
	}
	return &reduceCacheOnClose{file: f}, nil
}

// keepFS returns the shared site filesystem, creating it on first
// use, and grows its block cache for one more open file. Caller must
// hold siteFSMtx.
func keepFS() (arvados.CustomFileSystem, error) {
	if siteFS != nil {
		keepClient.BlockCache.MaxBlocks += 2
		return siteFS, nil
	}
	log.Info("setting up Arvados client")
	client := arvados.NewClientFromEnv()
	ac, err := arvadosclient.New(client)
	if err != nil {
		return nil, err
	}
	ac.Client = arvados.DefaultSecureClient
	keepClient = keepclient.New(ac)
	// keepclient's default timeouts are too short for large
	// series files.
	keepClient.HTTPClient = arvados.DefaultSecureClient
	keepClient.BlockCache = &keepclient.BlockCache{MaxBlocks: 4}
	siteFS = client.SiteFileSystem(keepClient)
	return siteFS, nil
}

type reduceCacheOnClose struct {
	file
	once sync.Once
}

func (rc *reduceCacheOnClose) Close() error {
	rc.once.Do(func() {
		siteFSMtx.Lock()
		defer siteFSMtx.Unlock()
		keepClient.BlockCache.MaxBlocks -= 2
	})
	return rc.file.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
