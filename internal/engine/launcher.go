package engine

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"sort"
	"strconv"
	"syscall"

	"sjq/internal/model"
)

// Launcher turns a job record into a running process.
type Launcher interface {
	Launch(j *model.Job) (ProcessHandle, error)
}

// passEnv lists the server variables a job inherits unless it overrides them.
var passEnv = []string{"PATH", "LANG", "LC_ALL", "TZ", "TMPDIR"}

// scriptPath is where the interpreter finds the job source: the first extra
// file handed to the child.
const scriptPath = "/dev/fd/3"

// ExecLauncher runs job scripts as local processes, each in its own process
// group so that kills reach every descendant.
type ExecLauncher struct {
	SpoolDir string
}

func NewExecLauncher(spoolDir string) *ExecLauncher {
	return &ExecLauncher{SpoolDir: spoolDir}
}

func (l *ExecLauncher) Launch(j *model.Job) (ProcessHandle, error) {
	in, err := ParseInterpreter(j.Src)
	if err != nil {
		return nil, err
	}

	cred := credentialFor(j)

	script, err := l.spoolScript(j, cred)
	if err != nil {
		return nil, fmt.Errorf("%w: write script: %v", model.ErrSpawn, err)
	}
	defer script.Close()

	paths := []string{j.StdoutPath}
	if j.StderrPath != j.StdoutPath {
		paths = append(paths, j.StderrPath)
	}
	files, err := openAs(cred, paths)
	if err != nil {
		return nil, fmt.Errorf("%w: open output: %v", model.ErrSpawn, err)
	}
	stdout, stderr := files[0], files[len(files)-1]

	argv := in.Command(scriptPath)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = j.Cwd
	cmd.Env = buildEnv(j)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.ExtraFiles = []*os.File{script}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Credential: cred}

	h, err := startHandle(cmd, in.Kind, files)
	if err != nil {
		for _, f := range files {
			f.Close()
		}
		return nil, fmt.Errorf("%w: %v", model.ErrSpawn, err)
	}
	return h, nil
}

// spoolScript writes the job source to an unlinked file in the spool dir.
// The child inherits the open descriptor, so it never needs to traverse
// the server's directories to read its script.
func (l *ExecLauncher) spoolScript(j *model.Job, cred *syscall.Credential) (*os.File, error) {
	if err := os.MkdirAll(l.SpoolDir, 0o700); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(l.SpoolDir, "job"+strconv.FormatInt(j.ID, 10)+"-*")
	if err != nil {
		return nil, err
	}
	os.Remove(f.Name())

	fail := func(err error) (*os.File, error) {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteString(j.Src); err != nil {
		return fail(err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail(err)
	}
	// reopening /dev/fd/3 checks the inode's permissions
	if cred != nil {
		if err := f.Chown(int(cred.Uid), int(cred.Gid)); err != nil {
			return fail(err)
		}
	}
	return f, nil
}

// credentialFor drops to the submitting user when the server runs as root.
func credentialFor(j *model.Job) *syscall.Credential {
	if os.Geteuid() != 0 || j.UID <= 0 {
		return nil
	}
	gid := j.GID
	if gid < 0 {
		gid = j.UID
	}
	return &syscall.Credential{Uid: uint32(j.UID), Gid: uint32(gid)}
}

func openLogs(paths []string) ([]*os.File, error) {
	files := make([]*os.File, 0, len(paths))
	for _, p := range paths {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			for _, o := range files {
				o.Close()
			}
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func buildEnv(j *model.Job) []string {
	env := map[string]string{}
	for _, k := range passEnv {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	if j.UID >= 0 {
		if u, err := user.LookupId(strconv.Itoa(j.UID)); err == nil {
			env["HOME"] = u.HomeDir
			env["USER"] = u.Username
			env["LOGNAME"] = u.Username
		}
	}
	for k, v := range j.Env {
		env[k] = v
	}
	env["JOB_ID"] = strconv.FormatInt(j.ID, 10)
	env["SJQ_JOB_NAME"] = j.Name

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
