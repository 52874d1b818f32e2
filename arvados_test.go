// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"io"
	"os"
	"path/filepath"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"gopkg.in/check.v1"
)

type arvadosSuite struct{}

var _ = check.Suite(&arvadosSuite{})

func (s *arvadosSuite) TestTranslatePaths(c *check.C) {
	runner := arvadosContainerRunner{}
	soft := "/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa/GSE999_family.soft.gz"
	hgncfile := "keep/by_id/0123456789abcdef0123456789abcdef+1234/hgnc.txt"
	matrix := "/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa"
	stdin := "-"
	empty := ""
	err := runner.TranslatePaths(&soft, &hgncfile, &matrix, &stdin, &empty)
	c.Assert(err, check.IsNil)
	c.Check(soft, check.Equals, "/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa/GSE999_family.soft.gz")
	c.Check(hgncfile, check.Equals, "/mnt/0123456789abcdef0123456789abcdef+1234/hgnc.txt")
	c.Check(matrix, check.Equals, "/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa")
	c.Check(stdin, check.Equals, "-")
	c.Check(empty, check.Equals, "")
	c.Check(runner.Mounts, check.DeepEquals, map[string]mount{
		"/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa":           {"kind": "collection", "uuid": "zzzzz-4zz18-aaaaaaaaaaaaaaa"},
		"/mnt/0123456789abcdef0123456789abcdef+1234": {"kind": "collection", "portable_data_hash": "0123456789abcdef0123456789abcdef+1234"},
	})

	local := "./series.soft"
	c.Check(runner.TranslatePaths(&local), check.ErrorMatches, `cannot find collection uuid .* "\./series\.soft"`)
}

func (s *arvadosSuite) TestRequestBody(c *check.C) {
	runner := arvadosContainerRunner{
		Name:        "genematrix soft2matrix",
		ProjectUUID: "zzzzz-j7d0g-aaaaaaaaaaaaaaa",
		VCPUs:       4,
		RAM:         8 << 30,
		Args:        []string{"soft2matrix", "-local=true"},
	}
	soft := "/mnt/zzzzz-4zz18-bbbbbbbbbbbbbbb/GSE1_family.soft"
	c.Assert(runner.TranslatePaths(&soft), check.IsNil)

	body := runner.requestBody("zzzzz-4zz18-ccccccccccccccc")
	c.Check(body["command"], check.DeepEquals, []string{"/mnt/cmd/genematrix", "soft2matrix", "-local=true"})
	c.Check(body["mounts"], check.DeepEquals, map[string]mount{
		"/mnt/output":                     {"kind": "collection", "writable": true},
		"/mnt/cmd":                        {"kind": "collection", "uuid": "zzzzz-4zz18-ccccccccccccccc"},
		"/mnt/zzzzz-4zz18-bbbbbbbbbbbbbbb": {"kind": "collection", "uuid": "zzzzz-4zz18-bbbbbbbbbbbbbbb"},
	})
	c.Check(body["owner_uuid"], check.Equals, "zzzzz-j7d0g-aaaaaaaaaaaaaaa")
	c.Check(body["priority"], check.Equals, 500)
	c.Check(body["environment"], check.DeepEquals, map[string]string{"GOMAXPROCS": "4"})
	rc, ok := body["runtime_constraints"].(arvados.RuntimeConstraints)
	c.Assert(ok, check.Equals, true)
	c.Check(rc.RAM, check.Equals, int64(8<<30))
	c.Check(rc.KeepCacheRAM, check.Equals, int64(4<<27))
	_, ok = body["output_name"]
	c.Check(ok, check.Equals, false)

	runner.Priority = 10
	c.Check(runner.requestBody("x")["priority"], check.Equals, 10)
}

func (s *arvadosSuite) TestCompleteLines(c *check.C) {
	lines, n := completeLines([]byte("first\n\nsecond\npartial"))
	c.Check(lines, check.DeepEquals, []string{"first", "second"})
	c.Check(n, check.Equals, 14)

	lines, n = completeLines([]byte("partial"))
	c.Check(lines, check.HasLen, 0)
	c.Check(n, check.Equals, 0)
}

func (s *arvadosSuite) TestZopen(c *check.C) {
	tmpdir := c.MkDir()
	writeGzip(c, filepath.Join(tmpdir, "x.gz"), "compressed\n")
	c.Assert(os.WriteFile(filepath.Join(tmpdir, "x"), []byte("plain\n"), 0666), check.IsNil)
	for fnm, want := range map[string]string{"x.gz": "compressed\n", "x": "plain\n"} {
		f, err := zopen(filepath.Join(tmpdir, fnm))
		c.Assert(err, check.IsNil)
		buf, err := io.ReadAll(f)
		c.Check(err, check.IsNil)
		c.Check(string(buf), check.Equals, want)
		c.Check(f.Close(), check.IsNil)
	}

	_, err := zopen(filepath.Join(tmpdir, "missing.gz"))
	c.Check(os.IsNotExist(err), check.Equals, true)
	// not gzip data
	c.Assert(os.WriteFile(filepath.Join(tmpdir, "bad.gz"), []byte("plain\n"), 0666), check.IsNil)
	_, err = zopen(filepath.Join(tmpdir, "bad.gz"))
	c.Check(err, check.ErrorMatches, `.*/bad\.gz: gzip: .*`)
}
