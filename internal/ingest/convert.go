package ingest

import "time"

func epochToTime(epoch int64) *time.Time {
	if epoch == 0 {
		return nil
	}
	t := time.Unix(epoch, 0).UTC()
	return &t
}

func int32ToIntPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

func uint32ToIntPtr(v *uint32) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

func float32ToFloat64Ptr(v *float32) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
