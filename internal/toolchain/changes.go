package toolchain

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseChangesFiles returns the file names listed in the Files field of a
// .changes document.
func ParseChangesFiles(r io.Reader) ([]string, error) {
	var files []string
	inFiles := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Files:") {
			inFiles = true
			continue
		}
		if !inFiles {
			continue
		}
		// 續行以空白開頭；其他行代表下一個欄位
		if line == "" || (line[0] != ' ' && line[0] != '\t') {
			inFiles = false
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 5 {
			return nil, fmt.Errorf("malformed Files entry %q", line)
		}
		files = append(files, fields[4])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read changes: %w", err)
	}
	return files, nil
}

// ReadChangesFiles reads the Files list from the .changes file at path.
func ReadChangesFiles(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseChangesFiles(f)
}
