// Package matching ранжирует кандидатов для рассылки.
//
// Оценка в диапазоне [0, 100] складывается из трёх частей:
//
//   - совпадение интересов (до 60): доля интересов отправителя, найденных
//     у кандидата подстрокой без учёта регистра
//   - «вес» кандидата (до 25): пороговые корзины h-index и числа публикаций
//   - свежесть (до 15): бонус за недавнюю активность
//
// Без данных об интересах оценка равна 0. Rank сортирует по убыванию
// оценки, при равенстве по ID кандидата.
package matching
