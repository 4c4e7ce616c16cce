package delivery

import "github.com/sirupsen/logrus"

func logrusNop() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func logFields(e Event) logrus.Fields {
	return logrus.Fields{
		"transaction_id":    e.TransactionID,
		"type":              string(e.Type),
		"enqueue_timestamp": e.EnqueueTimestamp,
		"retry_timestamp":   e.RetryTimestamp,
	}
}
