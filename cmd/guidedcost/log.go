// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Creates the logger. Debug mode logs colored text at debug level, otherwise
// info level as text or JSON
func newLogger(w io.Writer, debugMode, jsonFormat bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		logger.Debug("Debug logging enabled")
	} else if jsonFormat {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	}
	return logger
}

// A log file receiving output in addition to stdout
type logFile struct {
	os *os.File
	w  *bufio.Writer
}

// Enables logging to file in addition to the current output. Truncates the file
func logAlsoToFile(logger *logrus.Logger, fileName string) (*logFile, error) {
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return nil, err
	}
	lf := &logFile{os: f, w: bufio.NewWriter(f)}
	logger.SetOutput(io.MultiWriter(logger.Out, lf.w))
	return lf, nil
}

// Flushes and closes the file
func (lf *logFile) Close() error {
	if lf == nil {
		return nil
	}
	if err := lf.w.Flush(); err != nil {
		lf.os.Close()
		return err
	}
	return lf.os.Close()
}

// Resolves the %auto placeholder by replacing the suffix of the output file
// with the given suffix. Returns "" if there is no output file
func autoName(name, out, suffix string) string {
	if name != "%auto" {
		return name
	}
	if out == "" {
		return ""
	}
	return strings.TrimSuffix(out, filepath.Ext(out)) + suffix
}
