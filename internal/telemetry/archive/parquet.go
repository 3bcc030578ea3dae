// Package archive moves aged validation events out of SQLite into daily Parquet files.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/policy-hub/coordinator/internal/telemetry/models"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

// ArchivedEvent is the Parquet row of one validation event.
type ArchivedEvent struct {
	ClusterID     string `parquet:"name=cluster_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	NodeName      string `parquet:"name=node_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp     int64  `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MICROS"`
	Verdict       string `parquet:"name=verdict, type=BYTE_ARRAY, convertedtype=UTF8"`
	SrcNamespace  string `parquet:"name=src_namespace, type=BYTE_ARRAY, convertedtype=UTF8"`
	SrcPodName    string `parquet:"name=src_pod_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	SrcLabels     string `parquet:"name=src_labels, type=BYTE_ARRAY, convertedtype=UTF8"` // JSON encoded
	DstNamespace  string `parquet:"name=dst_namespace, type=BYTE_ARRAY, convertedtype=UTF8"`
	DstPodName    string `parquet:"name=dst_pod_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	DstLabels     string `parquet:"name=dst_labels, type=BYTE_ARRAY, convertedtype=UTF8"` // JSON encoded
	DstPort       int32  `parquet:"name=dst_port, type=INT32"`
	Protocol      string `parquet:"name=protocol, type=BYTE_ARRAY, convertedtype=UTF8"`
	MatchedPolicy string `parquet:"name=matched_policy, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason        string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt    int64  `parquet:"name=received_at, type=INT64, convertedtype=TIMESTAMP_MICROS"`
}

func toArchived(e storage.StoredEvent) *ArchivedEvent {
	return &ArchivedEvent{
		ClusterID:     e.ClusterID,
		NodeName:      e.NodeName,
		Timestamp:     e.Timestamp.UnixMicro(),
		Verdict:       string(e.Verdict),
		SrcNamespace:  e.SrcNamespace,
		SrcPodName:    e.SrcPodName,
		SrcLabels:     jsonEncode(e.SrcLabels),
		DstNamespace:  e.DstNamespace,
		DstPodName:    e.DstPodName,
		DstLabels:     jsonEncode(e.DstLabels),
		DstPort:       int32(e.DstPort),
		Protocol:      e.Protocol,
		MatchedPolicy: e.MatchedPolicy,
		Reason:        e.Reason,
		ReceivedAt:    e.ReceivedAt.UnixMicro(),
	}
}

// Event converts an archived row back to a validation event.
func (a *ArchivedEvent) Event() models.ValidationEvent {
	e := models.ValidationEvent{
		Timestamp:     time.UnixMicro(a.Timestamp).UTC(),
		Verdict:       models.Verdict(a.Verdict),
		SrcNamespace:  a.SrcNamespace,
		SrcPodName:    a.SrcPodName,
		DstNamespace:  a.DstNamespace,
		DstPodName:    a.DstPodName,
		DstPort:       int(a.DstPort),
		Protocol:      a.Protocol,
		MatchedPolicy: a.MatchedPolicy,
		Reason:        a.Reason,
	}
	if a.SrcLabels != "" {
		_ = json.Unmarshal([]byte(a.SrcLabels), &e.SrcLabels)
	}
	if a.DstLabels != "" {
		_ = json.Unmarshal([]byte(a.DstLabels), &e.DstLabels)
	}
	return e
}

// WriteFile writes events to a new Parquet file at path, creating parent directories.
func WriteFile(path string, events []storage.StoredEvent) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create date directory: %w", err)
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create file writer: %w", err)
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(ArchivedEvent), int64(4))
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, e := range events {
		if err := pw.Write(toArchived(e)); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to stop writer: %w", err)
	}
	return nil
}

// ReadFile reads every row of an archive file.
func ReadFile(path string) ([]ArchivedEvent, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(ArchivedEvent), int64(4))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer pr.ReadStop()

	rows := make([]ArchivedEvent, int(pr.GetNumRows()))
	if len(rows) == 0 {
		return rows, nil
	}
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return rows, nil
}

func jsonEncode(v map[string]string) string {
	if len(v) == 0 {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
